package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/embed/mock"
	"github.com/poiesic/docgraph/fetch"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/mq/badgermq"
	"github.com/poiesic/docgraph/search"
	"github.com/poiesic/docgraph/storage"
	badgerstore "github.com/poiesic/docgraph/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher serves canned documents for registered URLs and counts
// fetches. Documents are rebuilt per fetch because the store assigns ids
// in place.
type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]func() []*core.Document
	fetches map[string]int
	err     error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		pages:   map[string]func() []*core.Document{},
		fetches: map[string]int{},
	}
}

func (f *stubFetcher) page(url string, links ...string) {
	f.pages[url] = func() []*core.Document {
		return []*core.Document{{
			URL:      url,
			Category: core.CategoryWebpage,
			Metadata: map[string]any{"title": url},
			Links:    links,
			Text:     "content of " + url,
		}}
	}
}

func (f *stubFetcher) Matches(url string) bool {
	_, ok := f.pages[f.Canonicalize(url)]
	return ok
}

func (f *stubFetcher) Canonicalize(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i]
	}
	return url
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]*core.Document, error) {
	f.mu.Lock()
	f.fetches[url]++
	build := f.pages[url]
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return build(), nil
}

func (f *stubFetcher) fetchCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[url]
}

type serverEnv struct {
	server     *Server
	fetcher    *stubFetcher
	repo       storage.DocumentRepository
	index      *search.Index
	embedQueue mq.Queue
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	_, repo, _, err := badgerstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	index, err := search.OpenMemoryIndex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	broker, err := badgermq.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	embedQueue, err := broker.Queue(EmbedQueue)
	require.NoError(t, err)

	fetcher := newStubFetcher()
	server, err := NewServer(fetch.NewRegistry(fetcher), repo, index, embedQueue)
	require.NoError(t, err)
	t.Cleanup(server.Release)

	return &serverEnv{server: server, fetcher: fetcher, repo: repo, index: index, embedQueue: embedQueue}
}

func (env *serverEnv) call(t *testing.T, url, modelID string) *ProcessResponse {
	t.Helper()
	body, err := json.Marshal(ProcessRequest{URL: url, ModelID: modelID})
	require.NoError(t, err)
	respBody, err := env.server.handle(context.Background(), body)
	require.NoError(t, err)
	var resp ProcessResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	return &resp
}

// nextEmbedTask consumes one embedding task, acknowledging it.
func (env *serverEnv) nextEmbedTask(t *testing.T) *EmbedTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := env.embedQueue.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Ack())
	var task EmbedTask
	require.NoError(t, json.Unmarshal(delivery.Message.Body, &task))
	return &task
}

func (env *serverEnv) expectNoEmbedTask(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := env.embedQueue.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerFetchesStoresAndResponds(t *testing.T) {
	env := newServerEnv(t)
	env.fetcher.page("https://s/a", "https://s/b", "https://s/c")

	resp := env.call(t, "https://s/a#section", "m1")
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, []string{"https://s/b", "https://s/c"}, resp.Links)

	doc, err := env.repo.FromURL(context.Background(), "https://s/a")
	require.NoError(t, err)
	assert.Equal(t, resp.ID, doc.Id, "the fragment canonicalizes to the stored record")

	count, err := env.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	task := env.nextEmbedTask(t)
	assert.Equal(t, &EmbedTask{ID: resp.ID, ModelID: "m1"}, task)
}

func TestServerAnswersEmbeddedDocumentsFromCache(t *testing.T) {
	env := newServerEnv(t)
	env.fetcher.page("https://s/a", "https://s/b")

	first := env.call(t, "https://s/a", "m1")
	env.nextEmbedTask(t)
	require.NoError(t, env.repo.AttachEmbedding(context.Background(), first.ID, "m1", [][]float32{{1, 0}}))

	second := env.call(t, "https://s/a", "m1")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.fetcher.fetchCount("https://s/a"), "cache hits perform no fetch work")
	env.expectNoEmbedTask(t)
}

func TestServerRequeuesUnembeddedDocuments(t *testing.T) {
	env := newServerEnv(t)
	env.fetcher.page("https://s/a")

	first := env.call(t, "https://s/a", "m1")
	second := env.call(t, "https://s/a", "m1")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.fetcher.fetchCount("https://s/a"), "stored documents are not refetched")

	env.nextEmbedTask(t)
	env.expectNoEmbedTask(t) // the re-enqueued task deduplicated away
}

func TestServerStoresThreadSiblings(t *testing.T) {
	env := newServerEnv(t)
	f1 := "https://x.com/ada/status/100"
	f2 := "https://x.com/ada/status/101"
	threadIDs := []string{f1, f2}
	env.fetcher.pages[f1] = func() []*core.Document {
		return []*core.Document{
			{
				URL:      f1,
				Category: core.CategoryThread,
				Metadata: map[string]any{core.MetadataThreadIDs: threadIDs},
				Text:     "head",
			},
			{
				URL:      f2,
				Category: core.CategoryThread,
				Metadata: map[string]any{core.MetadataThreadIDs: threadIDs},
				Links:    []string{"https://example.com/paper"},
				Text:     "tail",
			},
		}
	}

	resp := env.call(t, f1, "m1")

	head, err := env.repo.FromURL(context.Background(), f1)
	require.NoError(t, err)
	assert.Equal(t, head.Id, resp.ID, "the requested fragment is the primary document")
	assert.Empty(t, resp.Links)

	tail, err := env.repo.FromURL(context.Background(), f2)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/paper"}, tail.Links)

	count, err := env.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestServerPropagatesFetchFailures(t *testing.T) {
	env := newServerEnv(t)
	env.fetcher.page("https://s/a")
	env.fetcher.err = errors.New("origin unavailable")

	body, err := json.Marshal(ProcessRequest{URL: "https://s/a", ModelID: "m1"})
	require.NoError(t, err)
	_, err = env.server.handle(context.Background(), body)
	assert.ErrorContains(t, err, "origin unavailable")
}

func TestServerRejectsUnknownURLs(t *testing.T) {
	env := newServerEnv(t)
	body, err := json.Marshal(ProcessRequest{URL: "https://nowhere.test/", ModelID: "m1"})
	require.NoError(t, err)
	_, err = env.server.handle(context.Background(), body)
	assert.ErrorIs(t, err, fetch.ErrNoFetcher)
}

// TestCrawlRoundTripIdempotent runs the whole substrate end to end: the
// orchestrator over an RPC client, the fetch server behind an RPC server,
// and an embedding worker, all on one in-memory broker. The second crawl
// must be pure cache hits.
func TestCrawlRoundTripIdempotent(t *testing.T) {
	env := newServerEnv(t)
	env.fetcher.page("https://s/a", "https://s/b")
	env.fetcher.page("https://s/b", "https://s/a")

	broker, err := badgermq.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcServer, err := mq.NewRPCServer(broker, RequestQueue, env.server.Handler())
	require.NoError(t, err)
	go func() { _ = rpcServer.Run(ctx) }()

	embedder := mock.NewMockEmbedder()
	worker := NewEmbedWorker(env.embedQueue, env.repo, embedder)
	go func() { _ = worker.Run(ctx) }()

	client, err := mq.NewRPCClient(broker, RequestQueue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	processor, err := NewProcessor(client, WithWorkers(4))
	require.NoError(t, err)
	t.Cleanup(processor.Release)

	first, err := processor.Process(ctx, "https://s/a", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://s/a", "https://s/b"}, first)

	// Wait for the embedding worker to drain before the second pass.
	require.Eventually(t, func() bool {
		for _, url := range first {
			doc, err := env.repo.FromURL(ctx, url)
			if err != nil || !doc.IsEmbedded("m1") {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	second, err := processor.Process(ctx, "https://s/a", "m1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.fetcher.fetchCount("https://s/a"))
	assert.Equal(t, 1, env.fetcher.fetchCount("https://s/b"))
}
