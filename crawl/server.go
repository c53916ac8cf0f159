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


package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/fetch"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/search"
	"github.com/poiesic/docgraph/storage"
)

// Server resolves fetch-and-store requests. Each request is answered from
// the store when the URL is already known, otherwise the matching fetcher
// runs and the results are stored and indexed. Fresh and unembedded
// documents get an embedding task enqueued.
type Server struct {
	registry   *fetch.Registry
	repo       storage.DocumentRepository
	index      *search.Index
	embedQueue mq.Queue
	pool       *ants.Pool
	logger     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server) error

// WithStorePoolSize sets the worker pool size used to store sibling
// documents from multi-document fetches. Default is runtime.NumCPU() / 2,
// with a minimum of 1.
func WithStorePoolSize(size int) ServerOption {
	return func(s *Server) error {
		if size < 1 {
			size = 1
		}
		if s.pool != nil {
			s.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		s.pool = pool
		return nil
	}
}

// NewServer creates a fetch server over the given collaborators.
func NewServer(registry *fetch.Registry, repo storage.DocumentRepository, index *search.Index, embedQueue mq.Queue, opts ...ServerOption) (*Server, error) {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		registry:   registry,
		repo:       repo,
		index:      index,
		embedQueue: embedQueue,
		pool:       pool,
		logger:     slog.Default().With("component", "crawl-server"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.Release()
			return nil, err
		}
	}
	return s, nil
}

// Handler adapts the server to the RPC substrate.
func (s *Server) Handler() mq.Handler {
	return s.handle
}

// Release frees the store worker pool.
func (s *Server) Release() {
	if s.pool != nil {
		s.pool.Release()
	}
}

func (s *Server) handle(ctx context.Context, body []byte) ([]byte, error) {
	var req ProcessRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed process request: %w", err)
	}
	url := s.registry.Canonicalize(req.URL)

	doc, err := s.repo.FromURL(ctx, url)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if doc != nil && !doc.IsNew() {
		if doc.IsEmbedded(req.ModelID) {
			s.logger.Debug("cache hit", "url", url, "id", doc.Id)
			return respond(doc)
		}
		// Fetched under another model, or the embedding worker has not
		// caught up yet. No refetch, just queue the missing embedding.
		s.enqueueEmbed(ctx, doc.Id, req.ModelID)
		return respond(doc)
	}

	return s.fetchAndStore(ctx, url, req.ModelID)
}

func (s *Server) fetchAndStore(ctx context.Context, url, modelID string) ([]byte, error) {
	fetcher, err := s.registry.For(url)
	if err != nil {
		return nil, err
	}
	docs, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: fetcher returned no documents for %s", fetch.ErrFetchFailed, url)
	}

	// The requested URL names the primary document. Thread fetches return
	// sibling fragments alongside it.
	primary := docs[0]
	for _, d := range docs {
		if d.URL == url {
			primary = d
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(docs))
	for i, d := range docs {
		wg.Add(1)
		i, d := i, d
		if submitErr := s.pool.Submit(func() {
			defer wg.Done()
			errs[i] = s.storeAndIndex(ctx, d)
		}); submitErr != nil {
			wg.Done()
			errs[i] = submitErr
		}
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// Store is a no-op for records that already exist, in which case the
	// fetched copy was never assigned an id. Answer from the stored record.
	if primary.Id == "" {
		stored, err := s.repo.FromURL(ctx, primary.URL)
		if err != nil {
			return nil, err
		}
		primary = stored
	}

	s.enqueueEmbed(ctx, primary.Id, modelID)
	s.logger.Info("fetched and stored", "url", url, "id", primary.Id, "documents", len(docs))
	return respond(primary)
}

func (s *Server) storeAndIndex(ctx context.Context, doc *core.Document) error {
	// Discovered links are stored in canonical form so the same target
	// never mints two identities under different spellings.
	for i, link := range doc.Links {
		doc.Links[i] = s.registry.Canonicalize(link)
	}
	if err := s.repo.Store(ctx, doc); err != nil {
		return err
	}
	return s.index.IndexDocument(doc)
}

// enqueueEmbed publishes an embedding task, deduplicated per document and
// model so repeated crawls do not pile up identical work. Publish failures
// are logged, not fatal: the next crawl of the URL re-enqueues.
func (s *Server) enqueueEmbed(ctx context.Context, id, modelID string) {
	body, err := json.Marshal(EmbedTask{ID: id, ModelID: modelID})
	if err != nil {
		s.logger.Error("encoding embedding task", "id", id, "err", err)
		return
	}
	msg := mq.NewMessage(body)
	msg.DedupID = core.DedupKey(id, modelID)
	if err := s.embedQueue.Publish(ctx, msg); err != nil {
		s.logger.Warn("enqueueing embedding task", "id", id, "model", modelID, "err", err)
	}
}

func respond(doc *core.Document) ([]byte, error) {
	return json.Marshal(ProcessResponse{ID: doc.Id, Links: doc.Links})
}
