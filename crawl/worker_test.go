package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/embed/mock"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/mq/badgermq"
	"github.com/poiesic/docgraph/storage"
	badgerstore "github.com/poiesic/docgraph/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerRepo(t *testing.T) storage.DocumentRepository {
	t.Helper()
	_, repo, _, err := badgerstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func storeTestPage(t *testing.T, repo storage.DocumentRepository, url, text string) *core.Document {
	t.Helper()
	doc := &core.Document{
		URL:      url,
		Category: core.CategoryWebpage,
		Metadata: map[string]any{"title": url},
		Text:     text,
	}
	require.NoError(t, repo.Store(context.Background(), doc))
	return doc
}

func mustNewId(t *testing.T) string {
	t.Helper()
	id, err := core.NewId()
	require.NoError(t, err)
	return id
}

func taskDelivery(t *testing.T, task EmbedTask, acked *bool) *mq.Delivery {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return mq.NewDelivery(mq.NewMessage(body), func() error {
		*acked = true
		return nil
	})
}

func TestEmbedWorkerEmbedsAndAcks(t *testing.T) {
	repo := newWorkerRepo(t)
	doc := storeTestPage(t, repo, "https://s/a", "one two three four five six seven")
	worker := NewEmbedWorker(nil, repo, mock.NewMockEmbedder(), WithChunkSize(3))

	var acked bool
	worker.process(context.Background(), taskDelivery(t, EmbedTask{ID: doc.Id, ModelID: "m1"}, &acked))
	assert.True(t, acked)

	stored, err := repo.FromID(context.Background(), doc.Id)
	require.NoError(t, err)
	require.True(t, stored.IsEmbedded("m1"))
	vectors := stored.Embeddings["m1"]
	assert.Len(t, vectors, 3, "seven words chunk into three windows of three")
	for _, v := range vectors {
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "stored vectors are unit normalized")
	}
}

func TestEmbedWorkerLeavesTransientFailuresUnacked(t *testing.T) {
	repo := newWorkerRepo(t)
	doc := storeTestPage(t, repo, "https://s/a", "some text")
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("model host unreachable")
	}
	worker := NewEmbedWorker(nil, repo, embedder)

	var acked bool
	worker.process(context.Background(), taskDelivery(t, EmbedTask{ID: doc.Id, ModelID: "m1"}, &acked))
	assert.False(t, acked, "transient failures stay queued for redelivery")

	stored, err := repo.FromID(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.False(t, stored.IsEmbedded("m1"))
}

func TestEmbedWorkerAcksUnprocessableTasks(t *testing.T) {
	repo := newWorkerRepo(t)
	worker := NewEmbedWorker(nil, repo, mock.NewMockEmbedder())

	// Malformed payload.
	var acked bool
	delivery := mq.NewDelivery(mq.NewMessage([]byte("{not json")), func() error {
		acked = true
		return nil
	})
	worker.process(context.Background(), delivery)
	assert.True(t, acked)

	// Document deleted between enqueue and processing.
	acked = false
	worker.process(context.Background(), taskDelivery(t, EmbedTask{ID: mustNewId(t), ModelID: "m1"}, &acked))
	assert.True(t, acked)

	// Document with nothing to embed.
	doc := &core.Document{
		URL:      "https://s/empty",
		Category: core.CategoryWebpage,
		Metadata: map[string]any{"title": "empty"},
	}
	require.NoError(t, repo.Store(context.Background(), doc))
	acked = false
	worker.process(context.Background(), taskDelivery(t, EmbedTask{ID: doc.Id, ModelID: "m1"}, &acked))
	assert.True(t, acked)
}

func TestEmbedWorkerSkipsAlreadyEmbedded(t *testing.T) {
	repo := newWorkerRepo(t)
	doc := storeTestPage(t, repo, "https://s/a", "some text")
	require.NoError(t, repo.AttachEmbedding(context.Background(), doc.Id, "m1", [][]float32{{1, 0}}))

	embedder := mock.NewMockEmbedder()
	worker := NewEmbedWorker(nil, repo, embedder)

	var acked bool
	worker.process(context.Background(), taskDelivery(t, EmbedTask{ID: doc.Id, ModelID: "m1"}, &acked))
	assert.True(t, acked)
	assert.Equal(t, 0, embedder.CallCount(), "no embedding work for an already embedded model")
}

func TestEmbedWorkerRunRedeliversUntilSuccess(t *testing.T) {
	repo := newWorkerRepo(t)
	doc := storeTestPage(t, repo, "https://s/a", "some text to embed")

	broker, err := badgermq.Open("", true, badgermq.WithVisibilityTimeout(50))
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	queue, err := broker.Queue(EmbedQueue)
	require.NoError(t, err)

	var attempts atomic.Int32
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return [][]float32{{1, 0}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewEmbedWorker(queue, repo, embedder)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	body, err := json.Marshal(EmbedTask{ID: doc.Id, ModelID: "m1"})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, mq.NewMessage(body)))

	require.Eventually(t, func() bool {
		stored, err := repo.FromID(ctx, doc.Id)
		return err == nil && stored.IsEmbedded("m1")
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))

	cancel()
	assert.NoError(t, <-done, "cancellation is a clean shutdown")
}
