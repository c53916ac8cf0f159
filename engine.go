// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package docgraph

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/crawl"
	"github.com/poiesic/docgraph/embed"
	"github.com/poiesic/docgraph/embed/openai"
	"github.com/poiesic/docgraph/fetch"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/search"
	"github.com/poiesic/docgraph/storage"
	"github.com/poiesic/docgraph/storage/badger"
)

// Engine wires the document store, the identity minter, the search index,
// and the embedder into one handle.
type Engine struct {
	backend  *badger.Backend
	minter   storage.Minter
	repo     storage.DocumentRepository
	index    *search.Index
	searcher *search.Engine
	embedder embed.Embedder
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	embedConfig *embed.Config
	embedder    embed.Embedder
	inMemory    bool
}

// WithEmbedConfig sets the embedding endpoint configuration.
func WithEmbedConfig(config *embed.Config) EngineOption {
	return func(o *engineOptions) {
		o.embedConfig = config
	}
}

// WithEmbedder injects a prebuilt embedder instead of dialing the
// configured endpoint. Mostly for tests.
func WithEmbedder(embedder embed.Embedder) EngineOption {
	return func(o *engineOptions) {
		o.embedder = embedder
	}
}

// WithInMemory keeps the store and index off disk. dataDir is ignored.
func WithInMemory() EngineOption {
	return func(o *engineOptions) {
		o.inMemory = true
	}
}

// Open creates an engine rooted at dataDir: the document store under
// dataDir/store and the search index under dataDir/index.bleve.
func Open(dataDir string, opts ...EngineOption) (*Engine, error) {
	options := &engineOptions{
		embedConfig: embed.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if err := options.embedConfig.Validate(); err != nil {
		return nil, err
	}

	backend, err := badger.OpenBackend(filepath.Join(dataDir, "store"), options.inMemory)
	if err != nil {
		return nil, err
	}

	var index *search.Index
	if options.inMemory {
		index, err = search.OpenMemoryIndex()
	} else {
		index, err = search.OpenIndex(filepath.Join(dataDir, "index.bleve"))
	}
	if err != nil {
		backend.Close()
		return nil, err
	}

	embedder := options.embedder
	if embedder == nil {
		embedder, err = openai.NewEmbedder(options.embedConfig)
		if err != nil {
			index.Close()
			backend.Close()
			return nil, err
		}
	}

	minter := badger.NewMinter(backend)
	repo := badger.NewDocumentRepository(backend, minter)
	searcher := search.NewEngine(index, repo, embedder,
		search.WithDefaultModel(options.embedConfig.Model))

	return &Engine{
		backend:  backend,
		minter:   minter,
		repo:     repo,
		index:    index,
		searcher: searcher,
		embedder: embedder,
		logger:   slog.Default(),
	}, nil
}

// Close releases the index and the store.
func (e *Engine) Close() error {
	if err := e.index.Close(); err != nil {
		e.logger.Error("error closing search index", "err", err)
	}
	if err := e.backend.Close(); err != nil {
		e.logger.Error("error closing storage backend", "err", err)
		return err
	}
	return nil
}

// Minter returns the identity minter.
func (e *Engine) Minter() storage.Minter {
	return e.minter
}

// Repository returns the document repository.
func (e *Engine) Repository() storage.DocumentRepository {
	return e.repo
}

// Index returns the search index.
func (e *Engine) Index() *search.Index {
	return e.index
}

// Embedder returns the configured embedder.
func (e *Engine) Embedder() embed.Embedder {
	return e.embedder
}

// Search runs a retrieval query.
func (e *Engine) Search(ctx context.Context, query *search.Query) (*search.Results, error) {
	return e.searcher.Search(ctx, query)
}

// RebuildIndex repopulates the search index from the store.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	return e.index.Rebuild(ctx, e.repo)
}

// NewCrawlServer builds the fetch server answering crawl requests,
// enqueueing embedding work on embedQueue.
func (e *Engine) NewCrawlServer(registry *fetch.Registry, embedQueue mq.Queue, opts ...crawl.ServerOption) (*crawl.Server, error) {
	return crawl.NewServer(registry, e.repo, e.index, embedQueue, opts...)
}

// NewEmbedWorker builds an embedding worker consuming embedQueue.
func (e *Engine) NewEmbedWorker(embedQueue mq.Queue, opts ...crawl.EmbedWorkerOption) *crawl.EmbedWorker {
	return crawl.NewEmbedWorker(embedQueue, e.repo, e.embedder, opts...)
}

// Reference points at a document by URL, carrying its id when one has
// been minted and the canonical original post when the target is a
// thread fragment.
type Reference struct {
	ID              string `json:"id,omitempty"`
	URL             string `json:"url"`
	OriginalPostURL string `json:"original_post_url"`
}

// DocumentView is the read model for one logical post: the document plus
// resolved graph neighborhood. For thread originals the outbound links of
// every fragment are merged in sibling order.
type DocumentView struct {
	ID              string         `json:"id"`
	URL             string         `json:"url"`
	OriginalPostURL string         `json:"original_post_url"`
	Category        core.Category  `json:"category"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Text            string         `json:"text,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	IsRead          bool           `json:"is_read"`
	IsBookmarked    bool           `json:"is_bookmarked"`
	Links           []Reference    `json:"links"`
	Backlinks       []Reference    `json:"backlinks"`
}

// Document assembles the read model for id.
func (e *Engine) Document(ctx context.Context, id string) (*DocumentView, error) {
	doc, err := e.repo.FromID(ctx, id)
	if err != nil {
		return nil, err
	}

	linkURLs := append([]string{}, doc.Links...)
	if ids := doc.ThreadIDs(); doc.IsOriginalPost() && len(ids) > 1 {
		for _, sibling := range ids[1:] {
			fragment, err := e.repo.FromURL(ctx, sibling)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			linkURLs = append(linkURLs, fragment.Links...)
		}
	}

	links, err := e.references(ctx, dedupURLs(linkURLs))
	if err != nil {
		return nil, err
	}
	backlinkIDs, err := e.repo.Backlinks(ctx, id)
	if err != nil {
		return nil, err
	}
	backlinks, err := e.referencesByID(ctx, backlinkIDs)
	if err != nil {
		return nil, err
	}

	createdAt, err := doc.CreatedAt()
	if err != nil {
		return nil, err
	}

	return &DocumentView{
		ID:              doc.Id,
		URL:             doc.URL,
		OriginalPostURL: doc.OriginalPostURL(),
		Category:        doc.Category,
		Metadata:        doc.Metadata,
		Text:            doc.Text,
		CreatedAt:       createdAt,
		IsRead:          doc.IsRead,
		IsBookmarked:    doc.IsBookmarked,
		Links:           links,
		Backlinks:       backlinks,
	}, nil
}

// Delete removes a document. Deleting a thread's original post removes
// every sibling fragment with it; deleting a non-original fragment
// removes only that fragment.
func (e *Engine) Delete(ctx context.Context, id string) error {
	doc, err := e.repo.FromID(ctx, id)
	if err != nil {
		return err
	}

	targets := []*core.Document{doc}
	if ids := doc.ThreadIDs(); doc.IsOriginalPost() && len(ids) > 1 {
		for _, sibling := range ids[1:] {
			fragment, err := e.repo.FromURL(ctx, sibling)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			targets = append(targets, fragment)
		}
	}

	for _, target := range targets {
		if err := e.repo.Delete(ctx, target.Id); err != nil {
			return err
		}
		if err := e.index.DeleteDocument(target.Id); err != nil {
			return err
		}
	}
	e.logger.Info("deleted document", "id", id, "fragments", len(targets))
	return nil
}

// SetRead flips the read flag and refreshes the index projection.
func (e *Engine) SetRead(ctx context.Context, id string, read bool) error {
	if err := e.repo.SetRead(ctx, id, read); err != nil {
		return err
	}
	return e.reindex(ctx, id)
}

// SetBookmarked flips the bookmark flag and refreshes the index
// projection.
func (e *Engine) SetBookmarked(ctx context.Context, id string, bookmarked bool) error {
	if err := e.repo.SetBookmarked(ctx, id, bookmarked); err != nil {
		return err
	}
	return e.reindex(ctx, id)
}

func (e *Engine) reindex(ctx context.Context, id string) error {
	doc, err := e.repo.FromID(ctx, id)
	if err != nil {
		return err
	}
	return e.index.IndexDocument(doc)
}

func (e *Engine) references(ctx context.Context, urls []string) ([]Reference, error) {
	refs := make([]Reference, 0, len(urls))
	for _, url := range urls {
		ref := Reference{URL: url, OriginalPostURL: url}
		id, err := e.minter.URLToID(ctx, url)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		ref.ID = id

		target, err := e.repo.FromURL(ctx, url)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if target != nil {
			ref.OriginalPostURL = target.OriginalPostURL()
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// referencesByID resolves document ids, as returned by the backlink set,
// into references. Ids whose record is gone fall back to the minted url;
// ids with neither record nor mapping are skipped.
func (e *Engine) referencesByID(ctx context.Context, ids []string) ([]Reference, error) {
	refs := make([]Reference, 0, len(ids))
	for _, id := range ids {
		target, err := e.repo.FromID(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if target != nil {
			refs = append(refs, Reference{
				ID:              id,
				URL:             target.URL,
				OriginalPostURL: target.OriginalPostURL(),
			})
			continue
		}
		url, err := e.minter.IDToURL(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, Reference{ID: id, URL: url, OriginalPostURL: url})
	}
	return refs, nil
}

func dedupURLs(urls []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
