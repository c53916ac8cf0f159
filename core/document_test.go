package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdIsTimeSortable(t *testing.T) {
	a, err := NewId()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := NewId()
	require.NoError(t, err)

	assert.Less(t, a, b, "ids minted later must sort later")
}

func TestIdTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, err := NewId()
	require.NoError(t, err)

	ts, err := IdTime(id)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))
}

func TestIdTimeRejectsMalformedIds(t *testing.T) {
	_, err := IdTime("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)

	// v4 uuids carry no timestamp
	_, err = IdTime("8b7a4d1e-9c33-4f7a-8f2b-0a1b2c3d4e5f")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestDedupKeyDeterministic(t *testing.T) {
	a := DedupKey("doc-1", "model-a")
	b := DedupKey("doc-1", "model-a")
	c := DedupKey("doc-1", "model-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDocumentStatePredicates(t *testing.T) {
	doc := &Document{URL: "https://example.com/a", Category: CategoryWebpage}
	assert.True(t, doc.IsNew())
	assert.False(t, doc.IsFetched("m"))
	assert.False(t, doc.IsEmbedded("m"))

	doc.Text = "some extracted content"
	assert.False(t, doc.IsNew())
	assert.True(t, doc.IsFetched("m"))
	assert.False(t, doc.IsEmbedded("m"))

	doc.Embeddings = map[string][][]float32{"m": {{0.1, 0.2}}}
	assert.False(t, doc.IsFetched("m"))
	assert.True(t, doc.IsEmbedded("m"))
	assert.True(t, doc.IsFetched("other"), "embedding is per model id")
}

func TestDocumentIsNewWithMetadataOnly(t *testing.T) {
	// A fetched document with an empty body still counts as fetched.
	doc := &Document{
		URL:      "https://example.com/a",
		Category: CategoryWebpage,
		Metadata: map[string]any{"title": "A"},
	}
	assert.False(t, doc.IsNew())
}

func TestThreadIDsSurvivesJSONRoundTrip(t *testing.T) {
	original := &Document{
		URL:      "https://x.com/u/status/2#1",
		Category: CategoryThread,
		Metadata: map[string]any{
			MetadataThreadIDs: []string{
				"https://x.com/u/status/1",
				"https://x.com/u/status/2#1",
			},
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.ThreadIDs(), decoded.ThreadIDs())
	assert.Equal(t, "https://x.com/u/status/1", decoded.OriginalPostURL())
	assert.False(t, decoded.IsOriginalPost())
}

func TestOriginalPostURLForNonThreadDocuments(t *testing.T) {
	doc := &Document{URL: "https://example.com/a", Category: CategoryWebpage}
	assert.Equal(t, doc.URL, doc.OriginalPostURL())
	assert.True(t, doc.IsOriginalPost())
}

func TestValidateDocument(t *testing.T) {
	id, err := NewId()
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     *Document
		wantErr error
	}{
		{
			name: "valid webpage",
			doc:  &Document{Id: id, URL: "https://example.com/a", Category: CategoryWebpage},
		},
		{
			name:    "nil document",
			doc:     nil,
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "empty url",
			doc:     &Document{Category: CategoryWebpage},
			wantErr: ErrEmptyURL,
		},
		{
			name:    "relative url",
			doc:     &Document{URL: "/a/b", Category: CategoryWebpage},
			wantErr: ErrInvalidURL,
		},
		{
			name:    "bad category",
			doc:     &Document{URL: "https://example.com/a", Category: Category("video")},
			wantErr: ErrInvalidCategory,
		},
		{
			name:    "malformed id",
			doc:     &Document{Id: "nope", URL: "https://example.com/a", Category: CategoryWebpage},
			wantErr: ErrInvalidID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocument(tt.doc)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidDocument)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
