package core

import "time"

// Category identifies the source type of a document.
type Category string

const (
	// CategoryWebpage is a generic web page.
	CategoryWebpage Category = "webpage"
	// CategoryArxiv is an academic paper hosted on arXiv.
	CategoryArxiv Category = "arxiv"
	// CategoryThread is a single item of a social-media thread.
	CategoryThread Category = "thread"
)

// MetadataThreadIDs is the metadata key holding the ordered list of
// sibling URLs for thread fragments. The first entry is the original post.
const MetadataThreadIDs = "thread_ids"

// Document is a node of the document graph. A document is created when a
// fetcher returns content for a URL and is mutated only by embedding
// attachment, read/bookmark flag flips, and deletion.
type Document struct {
	Id           string                 `json:"id"`
	URL          string                 `json:"url"`
	Category     Category               `json:"category"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Links        []string               `json:"links"`
	Text         string                 `json:"text"`
	Embeddings   map[string][][]float32 `json:"embeddings,omitempty"`
	IsRead       bool                   `json:"is_read"`
	IsBookmarked bool                   `json:"is_bookmarked"`

	// LinkIds holds the minted ids of Links in insertion order.
	// Hydrated from the link set on load, never persisted with the record.
	LinkIds []string `json:"-"`
}

// CreatedAt derives the creation timestamp from the document ID.
func (d *Document) CreatedAt() (time.Time, error) {
	return IdTime(d.Id)
}

// IsNew reports whether the document has never been fetched.
// A fetched document always carries text or metadata; an empty body with
// metadata still counts as fetched.
func (d *Document) IsNew() bool {
	return d.Text == "" && len(d.Metadata) == 0
}

// IsEmbedded reports whether the document carries at least one embedding
// vector for the given model.
func (d *Document) IsEmbedded(modelId string) bool {
	return len(d.Embeddings[modelId]) > 0
}

// IsFetched reports whether the document has content but no embedding yet
// for the given model.
func (d *Document) IsFetched(modelId string) bool {
	return !d.IsNew() && !d.IsEmbedded(modelId)
}

// ThreadIDs returns the ordered sibling URLs of a thread composite, or nil
// for documents that are not thread fragments. Values survive a JSON
// round-trip of Metadata, so both []string and []any are accepted.
func (d *Document) ThreadIDs() []string {
	raw, ok := d.Metadata[MetadataThreadIDs]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

// OriginalPostURL returns the URL of the logical post this document
// represents. For thread fragments that is the first sibling URL; every
// other document is its own original post.
func (d *Document) OriginalPostURL() string {
	if ids := d.ThreadIDs(); len(ids) > 0 {
		return ids[0]
	}
	return d.URL
}

// IsOriginalPost reports whether the document is the canonical
// representative of its logical post.
func (d *Document) IsOriginalPost() bool {
	return d.OriginalPostURL() == d.URL
}

// MetadataString returns the named metadata value if it is a string.
func (d *Document) MetadataString(key string) string {
	if s, ok := d.Metadata[key].(string); ok {
		return s
	}
	return ""
}
