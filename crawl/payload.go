// Package crawl expands the link graph breadth-first from a seed URL,
// dispatching one fetch-and-store unit per frontier URL over the message
// substrate and enqueueing embedding work as documents arrive.
package crawl

// Queue names shared by the orchestrator, the fetch server, and the
// embedding workers.
const (
	// RequestQueue carries fetch-and-store RPC requests.
	RequestQueue = "crawl.process"

	// EmbedQueue carries embedding tasks.
	EmbedQueue = "crawl.embed"
)

// ProcessRequest asks the fetch server to resolve one URL for one
// embedding model.
type ProcessRequest struct {
	URL     string `json:"url"`
	ModelID string `json:"model_id"`
}

// ProcessResponse reports the document the URL resolved to and its
// outbound link URLs, which feed the next frontier.
type ProcessResponse struct {
	ID    string   `json:"id"`
	Links []string `json:"links"`
}

// EmbedTask asks an embedding worker to embed one stored document under
// one model.
type EmbedTask struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`
}
