package search_test

import (
	"context"
	"testing"

	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/embed/mock"
	"github.com/poiesic/docgraph/search"
	"github.com/poiesic/docgraph/storage"
	badgerstore "github.com/poiesic/docgraph/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "test-model"

type testEnv struct {
	engine   *search.Engine
	index    *search.Index
	repo     storage.DocumentRepository
	embedder *mock.MockEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	_, repo, _, err := badgerstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	index, err := search.OpenMemoryIndex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	embedder := mock.NewMockEmbedder()
	engine := search.NewEngine(index, repo, embedder, search.WithDefaultModel(testModel))
	return &testEnv{engine: engine, index: index, repo: repo, embedder: embedder}
}

// add stores and indexes a document, returning it with its minted id.
func (env *testEnv) add(t *testing.T, doc *core.Document) *core.Document {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.repo.Store(ctx, doc))
	require.NoError(t, env.index.IndexDocument(doc))
	return doc
}

func (env *testEnv) embed(t *testing.T, id string, vectors [][]float32) {
	t.Helper()
	require.NoError(t, env.repo.AttachEmbedding(context.Background(), id, testModel, vectors))
}

func webpage(url, text string) *core.Document {
	return &core.Document{
		URL:      url,
		Category: core.CategoryWebpage,
		Metadata: map[string]any{"title": text},
		Text:     text,
	}
}

func fragment(url string, threadIDs []string, text string) *core.Document {
	return &core.Document{
		URL:      url,
		Category: core.CategoryThread,
		Metadata: map[string]any{
			"user":                 "ada",
			core.MetadataThreadIDs: threadIDs,
		},
		Text: text,
	}
}

func mustNewId(t *testing.T) string {
	t.Helper()
	id, err := core.NewId()
	require.NoError(t, err)
	return id
}

func hitURLs(results *search.Results) []string {
	urls := make([]string, 0, len(results.Hits))
	for _, h := range results.Hits {
		urls = append(urls, h.URL)
	}
	return urls
}

func TestSearchRejectsBothVectorModes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Search(context.Background(), &search.Query{
		VectorSearch:         "apples",
		VectorSearchDocument: mustNewId(t),
	})
	assert.ErrorIs(t, err, search.ErrInvalidQuery)
}

func TestSearchSortsByInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	first := env.add(t, webpage("https://example.com/1", "first page"))
	second := env.add(t, webpage("https://example.com/2", "second page"))
	third := env.add(t, webpage("https://example.com/3", "third page"))

	results, err := env.engine.Search(context.Background(), &search.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{first.URL, second.URL, third.URL}, hitURLs(results))
	assert.Nil(t, results.NextCursor, "three documents cannot fill the default page")

	results, err = env.engine.Search(context.Background(), &search.Query{Desc: true})
	require.NoError(t, err)
	assert.Equal(t, []string{third.URL, second.URL, first.URL}, hitURLs(results))
	assert.NotEmpty(t, results.Hits[0].ID)
}

func TestSearchFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	page := env.add(t, &core.Document{
		URL:      "https://example.com/article",
		Category: core.CategoryWebpage,
		Metadata: map[string]any{"title": "Retrieval at Scale", "author": "Grace Hopper"},
		Text:     "an article about retrieval systems",
	})
	paper := env.add(t, &core.Document{
		URL:      "https://arxiv.org/abs/2101.00001",
		Category: core.CategoryArxiv,
		Metadata: map[string]any{"title": "Dense Retrieval", "authors": []string{"Ada Lovelace", "Alan Turing"}},
		Text:     "dense retrieval with learned embeddings",
	})

	// Category filter.
	results, err := env.engine.Search(ctx, &search.Query{Categories: []core.Category{core.CategoryArxiv}})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))

	// Author matches across author and authors fields.
	results, err = env.engine.Search(ctx, &search.Query{Author: "Hopper"})
	require.NoError(t, err)
	assert.Equal(t, []string{page.URL}, hitURLs(results))

	results, err = env.engine.Search(ctx, &search.Query{Author: "Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))

	// Text and title conditions are ANDed.
	results, err = env.engine.Search(ctx, &search.Query{Text: "embeddings", Title: "dense"})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))

	results, err = env.engine.Search(ctx, &search.Query{Text: "embeddings", Title: "scale"})
	require.NoError(t, err)
	assert.Empty(t, results.Hits)

	// Flag filters follow the store, not stale index entries, after reindex.
	require.NoError(t, env.repo.SetRead(ctx, page.Id, true))
	updated, err := env.repo.FromID(ctx, page.Id)
	require.NoError(t, err)
	require.NoError(t, env.index.IndexDocument(updated))

	results, err = env.engine.Search(ctx, &search.Query{Unread: true})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))

	require.NoError(t, env.repo.SetBookmarked(ctx, paper.Id, true))
	updated, err = env.repo.FromID(ctx, paper.Id)
	require.NoError(t, err)
	require.NoError(t, env.index.IndexDocument(updated))

	results, err = env.engine.Search(ctx, &search.Query{Bookmarked: true})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))
}

func TestSearchCollapsesThreadFragments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f1 := "https://x.com/ada/status/100"
	f2 := "https://x.com/ada/status/101"
	f3 := "https://x.com/ada/status/102"
	threadIDs := []string{f1, f2, f3}

	// Insertion order controls the ranking: the two non-original
	// fragments land ahead of the original post.
	env.add(t, fragment(f2, threadIDs, "fragment two"))
	env.add(t, fragment(f3, threadIDs, "fragment three"))
	env.add(t, fragment(f1, threadIDs, "fragment one"))
	standalone := env.add(t, webpage("https://example.com/after", "a later page"))

	results, err := env.engine.Search(ctx, &search.Query{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{f1, standalone.URL}, hitURLs(results),
		"non-original fragments are dropped and the page refills by probing forward")
	require.NotNil(t, results.NextCursor)
	assert.Equal(t, 4, *results.NextCursor)

	results, err = env.engine.Search(ctx, &search.Query{Count: 2, Offset: *results.NextCursor})
	require.NoError(t, err)
	assert.Empty(t, results.Hits)
	assert.Nil(t, results.NextCursor)
}

func TestSearchThreadWithNoFurtherOriginals(t *testing.T) {
	env := newTestEnv(t)

	f1 := "https://x.com/ada/status/100"
	f2 := "https://x.com/ada/status/101"
	f3 := "https://x.com/ada/status/102"
	threadIDs := []string{f1, f2, f3}

	env.add(t, fragment(f2, threadIDs, "fragment two"))
	env.add(t, fragment(f3, threadIDs, "fragment three"))
	env.add(t, fragment(f1, threadIDs, "fragment one"))

	results, err := env.engine.Search(context.Background(), &search.Query{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{f1}, hitURLs(results), "only the original post survives")
	assert.Nil(t, results.NextCursor, "probing past the ranking exhausts the cursor")
}

func TestSearchPaginationCompleteness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	want := make([]string, 0, 5)
	for _, path := range []string{"a", "b", "c", "d", "e"} {
		doc := env.add(t, webpage("https://example.com/"+path, "page "+path))
		want = append(want, doc.URL)
	}

	var got []string
	offset := 0
	for {
		results, err := env.engine.Search(ctx, &search.Query{Count: 2, Offset: offset})
		require.NoError(t, err)
		got = append(got, hitURLs(results)...)
		if results.NextCursor == nil {
			break
		}
		offset = *results.NextCursor
	}
	assert.Equal(t, want, got, "concatenated pages yield every document exactly once, in order")
}

func TestSearchVectorRanksBySimilarity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.add(t, webpage("https://example.com/a", "about apples"))
	b := env.add(t, webpage("https://example.com/b", "about boats"))
	c := env.add(t, webpage("https://example.com/c", "apples on boats"))
	env.add(t, webpage("https://example.com/d", "no embedding yet"))

	env.embed(t, a.Id, [][]float32{{1, 0, 0}})
	env.embed(t, b.Id, [][]float32{{0, 1, 0}})
	env.embed(t, c.Id, [][]float32{{0.6, 0.8, 0}})

	env.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}

	results, err := env.engine.Search(ctx, &search.Query{VectorSearch: "apples"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.URL, c.URL, b.URL}, hitURLs(results),
		"unembedded documents are excluded from the ranking")
	assert.Equal(t, 1.0, results.Hits[0].Score)
	assert.Equal(t, 0.6, results.Hits[1].Score)
	assert.Equal(t, 0.0, results.Hits[2].Score)
}

func TestSearchVectorUsesBestChunk(t *testing.T) {
	env := newTestEnv(t)

	doc := env.add(t, webpage("https://example.com/long", "a long page"))
	env.embed(t, doc.Id, [][]float32{{0, 1, 0}, {0.8, 0.6, 0}})

	env.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}

	results, err := env.engine.Search(context.Background(), &search.Query{VectorSearch: "q"})
	require.NoError(t, err)
	require.Len(t, results.Hits, 1)
	assert.Equal(t, 0.8, results.Hits[0].Score, "a document scores by its best chunk")
}

func TestSearchVectorRespectsFilters(t *testing.T) {
	env := newTestEnv(t)

	page := env.add(t, webpage("https://example.com/a", "about apples"))
	paper := env.add(t, &core.Document{
		URL:      "https://arxiv.org/abs/2101.00001",
		Category: core.CategoryArxiv,
		Metadata: map[string]any{"title": "Apples"},
		Text:     "apples again",
	})
	env.embed(t, page.Id, [][]float32{{1, 0, 0}})
	env.embed(t, paper.Id, [][]float32{{1, 0, 0}})

	env.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}

	results, err := env.engine.Search(context.Background(), &search.Query{
		VectorSearch: "apples",
		Categories:   []core.Category{core.CategoryArxiv},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{paper.URL}, hitURLs(results))
}

func TestSearchSimilarDocumentExcludesSelf(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	x := env.add(t, webpage("https://example.com/x", "the query document"))
	a := env.add(t, webpage("https://example.com/a", "close match"))
	b := env.add(t, webpage("https://example.com/b", "unrelated"))
	c := env.add(t, webpage("https://example.com/c", "second match"))

	env.embed(t, x.Id, [][]float32{{1, 0, 0}})
	env.embed(t, a.Id, [][]float32{{0.8, 0.6, 0}})
	env.embed(t, b.Id, [][]float32{{0, 1, 0}})
	env.embed(t, c.Id, [][]float32{{0.6, 0.8, 0}})

	results, err := env.engine.Search(ctx, &search.Query{
		VectorSearchDocument: x.Id,
		Count:                2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a.URL, c.URL}, hitURLs(results),
		"the queried document is removed and the page refilled by one probe")
	require.NotNil(t, results.NextCursor)
	assert.Equal(t, 3, *results.NextCursor)
}

func TestSearchSimilarDocumentWithoutEmbedding(t *testing.T) {
	env := newTestEnv(t)

	doc := env.add(t, webpage("https://example.com/plain", "never embedded"))
	env.add(t, webpage("https://example.com/other", "some other page"))

	results, err := env.engine.Search(context.Background(), &search.Query{
		VectorSearchDocument: doc.Id,
	})
	require.NoError(t, err)
	assert.Empty(t, results.Hits)
	assert.Nil(t, results.NextCursor)
}
