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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/storage"
)

// rebuildBatchSize is the number of documents flushed per batch when
// rebuilding the index from the store.
const rebuildBatchSize = 200

// indexedDocument is the flattened projection of a document that the
// full-text index stores. Read and bookmark flags are numeric so they can
// be filtered with exact range queries.
type indexedDocument struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Category     string `json:"category"`
	Text         string `json:"text"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Authors      string `json:"authors"`
	User         string `json:"user"`
	IsRead       int    `json:"is_read"`
	IsBookmarked int    `json:"is_bookmarked"`
}

// Index is the keyword index over stored documents. It carries no document
// bodies of record; the store stays authoritative and the index can be
// rebuilt from it at any time.
type Index struct {
	idx    bleve.Index
	logger *slog.Logger
}

// OpenIndex opens the index at path, creating it when absent.
func OpenIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist || os.IsNotExist(err) {
		idx, err = bleve.New(path, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	return newIndex(idx), nil
}

// OpenMemoryIndex creates a non-persistent index for tests.
func OpenMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("opening in-memory search index: %w", err)
	}
	return newIndex(idx), nil
}

func newIndex(idx bleve.Index) *Index {
	return &Index{
		idx:    idx,
		logger: slog.Default().With("component", "search-index"),
	}
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("id", keywordField)
	docMapping.AddFieldMappingsAt("category", keywordField)

	textField := bleve.NewTextFieldMapping()
	for _, field := range []string{"text", "title", "author", "authors", "user"} {
		docMapping.AddFieldMappingsAt(field, textField)
	}

	numericField := bleve.NewNumericFieldMapping()
	docMapping.AddFieldMappingsAt("is_read", numericField)
	docMapping.AddFieldMappingsAt("is_bookmarked", numericField)

	storedField := bleve.NewTextFieldMapping()
	storedField.Index = false
	docMapping.AddFieldMappingsAt("url", storedField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// IndexDocument adds or replaces the document's projection in the index.
func (ix *Index) IndexDocument(doc *core.Document) error {
	if doc == nil || doc.Id == "" {
		return fmt.Errorf("%w: cannot index document without id", core.ErrInvalidDocument)
	}
	if err := ix.idx.Index(doc.Id, projectDocument(doc)); err != nil {
		return fmt.Errorf("indexing document %s: %w", doc.Id, err)
	}
	return nil
}

// DeleteDocument removes the document from the index. Missing entries are
// not an error.
func (ix *Index) DeleteDocument(id string) error {
	if err := ix.idx.Delete(id); err != nil {
		return fmt.Errorf("deleting document %s from index: %w", id, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (uint64, error) {
	return ix.idx.DocCount()
}

// Rebuild repopulates the index from the document store.
func (ix *Index) Rebuild(ctx context.Context, repo storage.DocumentRepository) error {
	batch := ix.idx.NewBatch()
	indexed := 0

	err := repo.Scan(ctx, func(doc *core.Document) error {
		if err := batch.Index(doc.Id, projectDocument(doc)); err != nil {
			return fmt.Errorf("batching document %s: %w", doc.Id, err)
		}
		indexed++
		if batch.Size() >= rebuildBatchSize {
			if err := ix.idx.Batch(batch); err != nil {
				return fmt.Errorf("flushing index batch: %w", err)
			}
			batch.Reset()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if batch.Size() > 0 {
		if err := ix.idx.Batch(batch); err != nil {
			return fmt.Errorf("flushing index batch: %w", err)
		}
	}
	ix.logger.Info("rebuilt search index", "documents", indexed)
	return nil
}

// Close releases the underlying index.
func (ix *Index) Close() error {
	return ix.idx.Close()
}

func projectDocument(doc *core.Document) *indexedDocument {
	return &indexedDocument{
		ID:           doc.Id,
		URL:          doc.URL,
		Category:     string(doc.Category),
		Text:         doc.Text,
		Title:        doc.MetadataString("title"),
		Author:       doc.MetadataString("author"),
		Authors:      joinAuthors(doc),
		User:         doc.MetadataString("user"),
		IsRead:       boolToInt(doc.IsRead),
		IsBookmarked: boolToInt(doc.IsBookmarked),
	}
}

// joinAuthors flattens the authors metadata list into one searchable field.
func joinAuthors(doc *core.Document) string {
	raw, ok := doc.Metadata["authors"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, "; ")
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return strings.Join(names, "; ")
	case string:
		return v
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
