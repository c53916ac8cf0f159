package badger

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/storage"
)

// DocumentRepository implements storage.DocumentRepository for BadgerDB.
type DocumentRepository struct {
	backend *Backend
	minter  storage.Minter
	logger  *slog.Logger
}

var _ storage.DocumentRepository = (*DocumentRepository)(nil)

// NewDocumentRepository creates a new DocumentRepository. Link targets are
// resolved to ids through the given minter at store time.
func NewDocumentRepository(backend *Backend, minter storage.Minter) *DocumentRepository {
	return &DocumentRepository{
		backend: backend,
		minter:  minter,
		logger:  slog.Default().With("component", "documents"),
	}
}

// Close releases repository resources.
func (r *DocumentRepository) Close() error {
	return nil
}

// Exists reports whether url resolves to an id with a stored record.
func (r *DocumentRepository) Exists(ctx context.Context, url string) (bool, error) {
	id, err := r.minter.URLToID(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	exists := false
	err = r.backend.WithTx(func(tx *badger.Txn) error {
		_, err := tx.Get(makeDocumentKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	}, false)
	return exists, err
}

// Store persists a document record and its graph entries.
// No-op if a record already exists for doc.URL.
func (r *DocumentRepository) Store(ctx context.Context, doc *core.Document) error {
	if err := core.ValidateDocument(doc); err != nil {
		return err
	}

	exists, err := r.Exists(ctx, doc.URL)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Debug("document already stored", "url", doc.URL)
		return nil
	}

	if doc.Id == "" {
		id, err := r.minter.Mint(ctx, doc.URL)
		if err != nil {
			return err
		}
		doc.Id = id
	}

	// Resolve link targets to ids, preserving link order.
	linkIds := make([]string, 0, len(doc.Links))
	for _, target := range doc.Links {
		tid, err := r.minter.Mint(ctx, target)
		if err != nil {
			return err
		}
		linkIds = append(linkIds, tid)
	}

	value, err := storage.MarshalDocument(doc)
	if err != nil {
		return err
	}

	score := insertionScore(doc)

	// Best-effort batched writes: entries are individually atomic but the
	// batch is not. Readers treat missing graph entries as "no relation".
	wb := r.backend.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set(makeDocumentKey(doc.Id), value); err != nil {
		return err
	}
	if err := wb.Set(makeDocIndexKey(score, doc.Id), []byte(doc.Id)); err != nil {
		return err
	}
	if err := wb.Set(makeCatIndexKey(doc.Category, score, doc.Id), []byte(doc.Id)); err != nil {
		return err
	}

	linkBase := uint64(time.Now().UnixMilli())
	for i, tid := range linkIds {
		s := linkBase + uint64(i)
		if err := wb.Set(makeLinkKey(doc.Id, s, tid), []byte(tid)); err != nil {
			return err
		}
		if err := wb.Set(makeBacklinkKey(tid, s, doc.Id), []byte(doc.Id)); err != nil {
			return err
		}
	}

	return wb.Flush()
}

// Delete reverses every store-time entry for id.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	doc, err := r.FromID(ctx, id)
	if err != nil {
		return err
	}
	score := insertionScore(doc)

	return r.backend.WithTx(func(tx *badger.Txn) error {
		// Remove this document from each link target's backlink set and
		// drop the document's own link entries. Link and backlink entries
		// of one edge share a score, so the mirror key is reconstructible.
		links, err := collectSetEntries(tx, makePartialLinkKey(id))
		if err != nil {
			return err
		}
		for _, e := range links {
			if err := tx.Delete(makeBacklinkKey(e.member, e.score, id)); err != nil {
				return err
			}
			if err := tx.Delete(makeLinkKey(id, e.score, e.member)); err != nil {
				return err
			}
		}

		// Remove this document from each backlinker's link set and scrub
		// the URL out of that backlinker's links array.
		backs, err := collectSetEntries(tx, makePartialBacklinkKey(id))
		if err != nil {
			return err
		}
		for _, e := range backs {
			if err := tx.Delete(makeLinkKey(e.member, e.score, id)); err != nil {
				return err
			}
			if err := tx.Delete(makeBacklinkKey(id, e.score, e.member)); err != nil {
				return err
			}
			if err := r.scrubLink(tx, e.member, doc.URL); err != nil {
				return err
			}
		}

		if err := tx.Delete(makeDocIndexKey(score, id)); err != nil {
			return err
		}
		if err := tx.Delete(makeCatIndexKey(doc.Category, score, id)); err != nil {
			return err
		}
		if err := tx.Delete(makeDocumentKey(id)); err != nil {
			return err
		}
		if err := tx.Delete(makeURLMapKey(doc.URL)); err != nil {
			return err
		}
		if err := tx.Delete(makeIDMapKey(id)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// scrubLink removes url from the links array of the document with the given
// id. Tolerates a referencer that no longer names the URL.
func (r *DocumentRepository) scrubLink(tx *badger.Txn, id, url string) error {
	key := makeDocumentKey(id)
	doc, err := readDocument(tx, key)
	if err != nil {
		return err
	}
	if doc == nil {
		// Backlink entry without a record, partial state from a crashed
		// store. Treated as no relation.
		return nil
	}
	if !slices.Contains(doc.Links, url) {
		return nil
	}
	doc.Links = slices.DeleteFunc(doc.Links, func(l string) bool { return l == url })
	value, err := storage.MarshalDocument(doc)
	if err != nil {
		return err
	}
	return tx.Set(key, value)
}

// FromURL resolves url via the minter mapping and loads the record.
func (r *DocumentRepository) FromURL(ctx context.Context, url string) (*core.Document, error) {
	id, err := r.minter.URLToID(ctx, url)
	if err != nil {
		return nil, err
	}
	return r.load(id, false)
}

// FromID loads the record for id and hydrates the ordered LinkIds list.
func (r *DocumentRepository) FromID(ctx context.Context, id string) (*core.Document, error) {
	return r.load(id, true)
}

func (r *DocumentRepository) load(id string, hydrateLinks bool) (*core.Document, error) {
	var doc *core.Document
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		doc, err = readDocument(tx, makeDocumentKey(id))
		if err != nil {
			return err
		}
		if doc == nil {
			return storage.ErrNotFound
		}
		if hydrateLinks {
			entries, err := collectSetEntries(tx, makePartialLinkKey(id))
			if err != nil {
				return err
			}
			doc.LinkIds = make([]string, 0, len(entries))
			for _, e := range entries {
				doc.LinkIds = append(doc.LinkIds, e.member)
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SetRead flips the is_read flag on the stored record.
func (r *DocumentRepository) SetRead(ctx context.Context, id string, read bool) error {
	return r.mutate(id, func(doc *core.Document) {
		doc.IsRead = read
	})
}

// SetBookmarked flips the is_bookmarked flag on the stored record.
func (r *DocumentRepository) SetBookmarked(ctx context.Context, id string, bookmarked bool) error {
	return r.mutate(id, func(doc *core.Document) {
		doc.IsBookmarked = bookmarked
	})
}

// AttachEmbedding sets the embedding vectors for one model id.
func (r *DocumentRepository) AttachEmbedding(ctx context.Context, id, modelId string, vectors [][]float32) error {
	return r.mutate(id, func(doc *core.Document) {
		if doc.Embeddings == nil {
			doc.Embeddings = make(map[string][][]float32)
		}
		doc.Embeddings[modelId] = vectors
	})
}

// mutate applies a read-modify-write of a single record in one transaction.
func (r *DocumentRepository) mutate(id string, fn func(doc *core.Document)) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeDocumentKey(id)
		doc, err := readDocument(tx, key)
		if err != nil {
			return err
		}
		if doc == nil {
			return storage.ErrNotFound
		}
		fn(doc)
		value, err := storage.MarshalDocument(doc)
		if err != nil {
			return err
		}
		if err := tx.Set(key, value); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Links returns the ordered ids in the document's link set.
func (r *DocumentRepository) Links(ctx context.Context, id string) ([]string, error) {
	return r.members(makePartialLinkKey(id))
}

// Backlinks returns the ordered ids in the document's backlink set.
func (r *DocumentRepository) Backlinks(ctx context.Context, id string) ([]string, error) {
	return r.members(makePartialBacklinkKey(id))
}

func (r *DocumentRepository) members(partial []byte) ([]string, error) {
	var ids []string
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		entries, err := collectSetEntries(tx, partial)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.member)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Scan visits every stored document record in id order.
func (r *DocumentRepository) Scan(ctx context.Context, fn func(doc *core.Document) error) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docRecordPrefix + ":")
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc *core.Document
			err := iter.Item().Value(func(val []byte) error {
				var err error
				doc, err = storage.UnmarshalDocument(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// setEntry is one decoded member of a score-ordered set.
type setEntry struct {
	score  uint64
	member string
}

// collectSetEntries reads all entries under a set's partial key, in score
// order.
func collectSetEntries(tx *badger.Txn, partial []byte) ([]setEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = partial
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var entries []setEntry
	for iter.Rewind(); iter.Valid(); iter.Next() {
		score, member := parseSetKey(iter.Item().Key(), partial)
		entries = append(entries, setEntry{score: score, member: member})
	}
	return entries, nil
}

// readDocument reads and unmarshals a record, returning nil if absent.
func readDocument(tx *badger.Txn, key []byte) (*core.Document, error) {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc *core.Document
	err = item.Value(func(val []byte) error {
		var err error
		doc, err = storage.UnmarshalDocument(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// insertionScore derives the index score from the id's embedded timestamp.
func insertionScore(doc *core.Document) uint64 {
	if ts, err := doc.CreatedAt(); err == nil {
		return uint64(ts.UnixMilli())
	}
	return uint64(time.Now().UnixMilli())
}
