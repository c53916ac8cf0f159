package search

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/poiesic/docgraph/core"
)

// Query is the retrieval engine's query model. All non-empty filters are
// ANDed. The two vector modes are mutually exclusive.
type Query struct {
	// Text matches the document body.
	Text string

	// Title matches the title metadata.
	Title string

	// Author matches any of the author, authors, or user fields.
	Author string

	// Categories restricts results to the given categories.
	Categories []core.Category

	// Bookmarked keeps only bookmarked documents.
	Bookmarked bool

	// Unread keeps only unread documents.
	Unread bool

	// VectorSearch ranks by similarity to this text, embedded on the fly.
	VectorSearch string

	// VectorSearchDocument ranks by similarity to an existing document,
	// reusing its stored embedding mean-pooled across chunks.
	VectorSearchDocument string

	// ModelID selects the embedding model for vector modes. Empty uses
	// the engine default.
	ModelID string

	// Count is the number of logical posts per page.
	Count int

	// Offset is the rank position to start from, usually the NextCursor
	// of the previous page.
	Offset int

	// Desc reverses the document-id sort in non-vector mode.
	Desc bool
}

// Validate rejects malformed queries before any store access.
func (q *Query) Validate() error {
	if q.VectorSearch != "" && q.VectorSearchDocument != "" {
		return fmt.Errorf("%w: vector search by text and by document are mutually exclusive", ErrInvalidQuery)
	}
	if q.Count < 0 {
		return fmt.Errorf("%w: count cannot be negative", ErrInvalidQuery)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset cannot be negative", ErrInvalidQuery)
	}
	for _, c := range q.Categories {
		if err := core.ValidateCategory(c); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	}
	return nil
}

// vectorMode reports whether either vector similarity mode is active.
func (q *Query) vectorMode() bool {
	return q.VectorSearch != "" || q.VectorSearchDocument != ""
}

// booleanQuery builds the AND-ed filter expression. With no filters set it
// matches everything.
func (q *Query) booleanQuery() query.Query {
	conj := bleve.NewConjunctionQuery()

	if q.Text != "" {
		m := bleve.NewMatchQuery(q.Text)
		m.SetField("text")
		conj.AddQuery(m)
	}
	if q.Title != "" {
		m := bleve.NewMatchQuery(q.Title)
		m.SetField("title")
		conj.AddQuery(m)
	}
	if q.Author != "" {
		// The author may live in any of the per-category author fields.
		disj := bleve.NewDisjunctionQuery()
		for _, field := range []string{"author", "authors", "user"} {
			m := bleve.NewMatchQuery(q.Author)
			m.SetField(field)
			disj.AddQuery(m)
		}
		conj.AddQuery(disj)
	}
	if len(q.Categories) > 0 {
		disj := bleve.NewDisjunctionQuery()
		for _, c := range q.Categories {
			t := bleve.NewTermQuery(string(c))
			t.SetField("category")
			disj.AddQuery(t)
		}
		conj.AddQuery(disj)
	}
	if q.Bookmarked {
		conj.AddQuery(numericEquals("is_bookmarked", 1))
	}
	if q.Unread {
		conj.AddQuery(numericEquals("is_read", 0))
	}

	if len(conj.Conjuncts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return conj
}

// numericEquals builds an exact-match query over a numeric 0/1 field.
func numericEquals(field string, value float64) query.Query {
	truth := true
	nr := bleve.NewNumericRangeInclusiveQuery(&value, &value, &truth, &truth)
	nr.SetField(field)
	return nr
}
