package storage

import (
	"context"

	"github.com/poiesic/docgraph/core"
)

// Minter assigns globally unique, time-sortable ids to URLs exactly once.
// Implementations must be safe for concurrent use across processes sharing
// the same store.
type Minter interface {
	// Mint returns the id bound to url, creating the binding on first call.
	// Repeated calls for the same URL return the same id even under
	// concurrent callers. Write-conflict retries are internal and bounded
	// only by ctx.
	Mint(ctx context.Context, url string) (string, error)

	// URLToID resolves an existing url -> id mapping.
	// Returns ErrNotFound if the URL was never minted.
	URLToID(ctx context.Context, url string) (string, error)

	// IDToURL resolves an existing id -> url mapping.
	// Returns ErrNotFound if the id is unknown.
	IDToURL(ctx context.Context, id string) (string, error)
}

// DocumentRepository provides CRUD and graph maintenance over stored
// documents. It is the sole mutation path for link and backlink sets.
// Implementations must be thread-safe.
type DocumentRepository interface {
	// Exists reports whether url resolves to an id with a stored record.
	// A minted URL without a record does not exist yet.
	Exists(ctx context.Context, url string) (bool, error)

	// Store persists a document and its graph entries: the JSON record,
	// the global and category indexes (score-ordered by insertion time),
	// and one link entry per resolved link target plus the mirrored
	// backlink entry on the target. Link order is preserved.
	// No-op if a record already exists for doc.URL.
	// Writes are best-effort batched: individually atomic, not atomic as
	// a group. Readers must tolerate partial graph state.
	Store(ctx context.Context, doc *core.Document) error

	// Delete reverses every store-time entry: removes the record, the
	// url<->id mappings, the index entries, the document's own link and
	// backlink sets, the document's entry in each link target's backlink
	// set, and the document's entry in each backlinker's link set, also
	// scrubbing the URL out of that backlinker's links array. Tolerates
	// referencers that are already consistent.
	// Returns ErrNotFound if no record exists for the id.
	Delete(ctx context.Context, id string) error

	// FromURL resolves url via the minter mapping and loads the record.
	// Returns ErrNotFound if the URL is unknown or has no record.
	FromURL(ctx context.Context, url string) (*core.Document, error)

	// FromID loads the record for id and hydrates the ordered LinkIds
	// list from the link set.
	// Returns ErrNotFound if the id is unknown or has no record.
	FromID(ctx context.Context, id string) (*core.Document, error)

	// SetRead flips the is_read flag on the stored record.
	SetRead(ctx context.Context, id string, read bool) error

	// SetBookmarked flips the is_bookmarked flag on the stored record.
	SetBookmarked(ctx context.Context, id string, bookmarked bool) error

	// AttachEmbedding sets the embedding vectors for one model id on the
	// stored record. Append-only per model: attaching under a second
	// model id never disturbs vectors stored under the first.
	AttachEmbedding(ctx context.Context, id, modelId string, vectors [][]float32) error

	// Links returns the ordered ids in the document's link set.
	Links(ctx context.Context, id string) ([]string, error)

	// Backlinks returns the ordered ids in the document's backlink set.
	Backlinks(ctx context.Context, id string) ([]string, error)

	// Scan visits every stored document record in id order. Used to
	// rebuild derived indexes. Iteration stops on the first error.
	Scan(ctx context.Context, fn func(doc *core.Document) error) error

	// Close closes the repository and releases resources.
	Close() error
}
