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


package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/poiesic/docgraph/embed"
	"github.com/poiesic/docgraph/storage"
)

// DefaultCount is the page size used when a query does not set one.
const DefaultCount = 10

// Hit is one logical post in a result page. In vector mode Score holds the
// similarity in [0, 1] rounded to 4 decimals; otherwise it is zero.
type Hit struct {
	ID    string  `json:"id"`
	URL   string  `json:"url"`
	Score float64 `json:"score,omitempty"`
}

// Results is one page of distinct original posts. NextCursor is the offset
// of the following page, or nil when the ranking is exhausted.
type Results struct {
	Hits       []Hit `json:"hits"`
	NextCursor *int  `json:"next_cursor"`
}

// Engine runs keyword and vector queries over the index and the store,
// collapsing thread fragments to their original posts during pagination.
type Engine struct {
	index        *Index
	repo         storage.DocumentRepository
	embedder     embed.Embedder
	defaultModel string
	logger       *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDefaultModel sets the embedding model used when a query leaves
// ModelID empty.
func WithDefaultModel(modelID string) EngineOption {
	return func(e *Engine) {
		e.defaultModel = modelID
	}
}

// NewEngine creates a retrieval engine over the given index and store.
func NewEngine(index *Index, repo storage.DocumentRepository, embedder embed.Embedder, opts ...EngineOption) *Engine {
	e := &Engine{
		index:    index,
		repo:     repo,
		embedder: embedder,
		logger:   slog.Default().With("component", "search-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// rankedHit is one raw ranking position before fragment collapsing.
type rankedHit struct {
	id    string
	score float64
}

// rankedSource yields the slice [offset, offset+limit) of one stable
// ranking. Both query modes are reduced to this shape so pagination is
// mode-agnostic.
type rankedSource func(ctx context.Context, offset, limit int) ([]rankedHit, error)

// Search runs the query and returns one page of distinct original posts.
//
// The raw ranking may interleave several fragments of the same thread.
// The page window keeps only hits that are themselves original posts,
// then probes forward one rank at a time until the page is full or the
// ranking is exhausted. The cursor is the first rank position the next
// page should consume.
func (e *Engine) Search(ctx context.Context, q *Query) (*Results, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	count := q.Count
	if count == 0 {
		count = DefaultCount
	}

	source, err := e.rankingFor(ctx, q)
	if err != nil {
		return nil, err
	}
	if source == nil {
		// Vector mode against a document with no stored embedding for
		// the model. Nothing can be ranked.
		return &Results{Hits: []Hit{}}, nil
	}

	window, err := source(ctx, q.Offset, count)
	if err != nil {
		return nil, err
	}

	kept := make([]Hit, 0, count)
	for _, rh := range window {
		hit, original, err := e.resolveHit(ctx, rh)
		if err != nil {
			return nil, err
		}
		if original {
			kept = append(kept, *hit)
		}
	}

	probe := q.Offset + count
	var nextCursor *int
	if len(kept) == count {
		cursor := probe
		nextCursor = &cursor
	} else {
		for len(kept) < count {
			hits, err := source(ctx, probe, 1)
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				nextCursor = nil
				break
			}
			hit, original, err := e.resolveHit(ctx, hits[0])
			if err != nil {
				return nil, err
			}
			probe++
			if original {
				kept = append(kept, *hit)
			}
			if len(kept) == count {
				cursor := probe
				nextCursor = &cursor
			}
		}
	}

	if q.VectorSearchDocument != "" {
		kept, nextCursor, err = e.removeSelf(ctx, q, source, kept, nextCursor, count, probe)
		if err != nil {
			return nil, err
		}
	}

	return &Results{Hits: kept, NextCursor: nextCursor}, nil
}

// resolveHit loads the hit's document and reports whether it is the
// original post of its thread. Standalone documents are their own
// original post. Hits whose document has vanished from the store are
// dropped.
func (e *Engine) resolveHit(ctx context.Context, rh rankedHit) (*Hit, bool, error) {
	doc, err := e.repo.FromID(ctx, rh.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &Hit{ID: doc.Id, URL: doc.URL, Score: rh.score}, doc.IsOriginalPost(), nil
}

// removeSelf drops the queried document's own original post from a
// similar-to-document result, then makes at most one further probe to
// refill the page when a cursor is still available.
func (e *Engine) removeSelf(ctx context.Context, q *Query, source rankedSource, kept []Hit, nextCursor *int, count, probe int) ([]Hit, *int, error) {
	self, err := e.repo.FromID(ctx, q.VectorSearchDocument)
	if errors.Is(err, storage.ErrNotFound) {
		return kept, nextCursor, nil
	}
	if err != nil {
		return nil, nil, err
	}
	selfURL := self.OriginalPostURL()

	filtered := kept[:0]
	for _, h := range kept {
		if h.URL != selfURL {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == len(kept) || len(filtered) >= count || nextCursor == nil {
		return filtered, nextCursor, nil
	}

	hits, err := source(ctx, probe, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(hits) == 0 {
		return filtered, nil, nil
	}
	hit, original, err := e.resolveHit(ctx, hits[0])
	if err != nil {
		return nil, nil, err
	}
	probe++
	if original && hit.URL != selfURL {
		filtered = append(filtered, *hit)
	}
	return filtered, &probe, nil
}

// rankingFor builds the ranked source for the query. A nil source with a
// nil error means vector mode could not produce a query vector.
func (e *Engine) rankingFor(ctx context.Context, q *Query) (rankedSource, error) {
	if !q.vectorMode() {
		return e.keywordSource(q), nil
	}
	return e.vectorSource(ctx, q)
}

// keywordSource ranks by document id. Ids are time-ordered, so this is
// insertion order, reversed when Desc is set.
func (e *Engine) keywordSource(q *Query) rankedSource {
	sortField := "id"
	if q.Desc {
		sortField = "-id"
	}
	return func(ctx context.Context, offset, limit int) ([]rankedHit, error) {
		req := bleve.NewSearchRequestOptions(q.booleanQuery(), limit, offset, false)
		req.SortBy([]string{sortField})
		res, err := e.index.idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		hits := make([]rankedHit, 0, len(res.Hits))
		for _, h := range res.Hits {
			hits = append(hits, rankedHit{id: h.ID})
		}
		return hits, nil
	}
}

// vectorSource ranks the filter's candidate set by inner-product
// similarity against the query vector, best chunk per document. The full
// ranking is computed once; paging slices it.
func (e *Engine) vectorSource(ctx context.Context, q *Query) (rankedSource, error) {
	modelID := q.ModelID
	if modelID == "" {
		modelID = e.defaultModel
	}

	queryVec, err := e.queryVector(ctx, q, modelID)
	if err != nil {
		return nil, err
	}
	if queryVec == nil {
		return nil, nil
	}

	candidates, err := e.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}

	ranking := make([]rankedHit, 0, len(candidates))
	for _, id := range candidates {
		doc, err := e.repo.FromID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		vectors, ok := doc.Embeddings[modelID]
		if !ok || len(vectors) == 0 {
			continue
		}
		best := float32(math.Inf(-1))
		for _, v := range vectors {
			if d := embed.Dot(queryVec, v); d > best {
				best = d
			}
		}
		ranking = append(ranking, rankedHit{id: id, score: similarityScore(best)})
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].score != ranking[j].score {
			return ranking[i].score > ranking[j].score
		}
		return ranking[i].id < ranking[j].id
	})

	return func(ctx context.Context, offset, limit int) ([]rankedHit, error) {
		if offset >= len(ranking) {
			return nil, nil
		}
		end := offset + limit
		if end > len(ranking) {
			end = len(ranking)
		}
		return ranking[offset:end], nil
	}, nil
}

// queryVector produces the unit-normalized query vector for a vector-mode
// query. Similar-to-document queries reuse the document's stored chunk
// vectors mean-pooled into one; a document with no embedding for the
// model yields nil, meaning an empty result.
func (e *Engine) queryVector(ctx context.Context, q *Query, modelID string) ([]float32, error) {
	if q.VectorSearch != "" {
		if e.embedder == nil {
			return nil, fmt.Errorf("%w: no embedder configured for vector search", ErrInvalidQuery)
		}
		vec, err := e.embedder.EmbedText(ctx, q.VectorSearch)
		if err != nil {
			return nil, fmt.Errorf("embedding query text: %w", err)
		}
		return embed.Normalize(vec), nil
	}

	doc, err := e.repo.FromID(ctx, q.VectorSearchDocument)
	if err != nil {
		return nil, err
	}
	vectors, ok := doc.Embeddings[modelID]
	if !ok || len(vectors) == 0 {
		e.logger.Debug("document has no embedding for model",
			"id", q.VectorSearchDocument, "model", modelID)
		return nil, nil
	}
	return embed.MeanPool(vectors), nil
}

// candidateIDs runs the boolean pre-filter and returns every matching id.
func (e *Engine) candidateIDs(ctx context.Context, q *Query) ([]string, error) {
	total, err := e.index.Count()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(q.booleanQuery(), int(total), 0, false)
	res, err := e.index.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector pre-filter: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// similarityScore maps an inner product over unit vectors to [0, 1],
// rounded to 4 decimals.
func similarityScore(dot float32) float64 {
	score := float64(dot)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*10000) / 10000
}
