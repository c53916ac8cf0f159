package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/poiesic/docgraph/embed"
	"github.com/poiesic/docgraph/mq"
	"github.com/poiesic/docgraph/storage"
)

// EmbedWorker consumes embedding tasks: chunk the document's text, embed
// the chunks, and attach the normalized vectors under the task's model.
// Each worker holds at most one unacknowledged task at a time.
type EmbedWorker struct {
	queue     mq.Queue
	repo      storage.DocumentRepository
	embedder  embed.Embedder
	chunkSize int
	logger    *slog.Logger
}

// EmbedWorkerOption configures an EmbedWorker.
type EmbedWorkerOption func(*EmbedWorker)

// WithChunkSize sets the word count per embedded chunk.
func WithChunkSize(size int) EmbedWorkerOption {
	return func(w *EmbedWorker) {
		w.chunkSize = size
	}
}

// NewEmbedWorker creates an embedding worker over the given queue.
func NewEmbedWorker(queue mq.Queue, repo storage.DocumentRepository, embedder embed.Embedder, opts ...EmbedWorkerOption) *EmbedWorker {
	w := &EmbedWorker{
		queue:     queue,
		repo:      repo,
		embedder:  embedder,
		chunkSize: embed.DefaultChunkSize,
		logger:    slog.Default().With("component", "embed-worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes tasks until ctx is done or the broker closes. Transient
// failures leave the task unacknowledged so the broker redelivers it after
// the visibility timeout.
func (w *EmbedWorker) Run(ctx context.Context) error {
	for {
		delivery, err := w.queue.Consume(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, mq.ErrBrokerClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		w.process(ctx, delivery)
	}
}

func (w *EmbedWorker) process(ctx context.Context, delivery *mq.Delivery) {
	var task EmbedTask
	if err := json.Unmarshal(delivery.Message.Body, &task); err != nil {
		w.logger.Error("dropping malformed embedding task", "err", err)
		w.ack(delivery)
		return
	}

	doc, err := w.repo.FromID(ctx, task.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted between enqueue and processing. Nothing left to embed.
		w.logger.Debug("embedding task for missing document", "id", task.ID)
		w.ack(delivery)
		return
	}
	if err != nil {
		w.logger.Warn("loading document for embedding", "id", task.ID, "err", err)
		return
	}
	if doc.IsEmbedded(task.ModelID) {
		w.ack(delivery)
		return
	}

	chunks := embed.ChunkWords(doc.Text, w.chunkSize)
	if len(chunks) == 0 {
		w.logger.Debug("document has no text to embed", "id", task.ID)
		w.ack(delivery)
		return
	}

	vectors, err := w.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		// Leave unacknowledged. The broker redelivers once the visibility
		// timeout expires.
		w.logger.Warn("embedding document", "id", task.ID, "model", task.ModelID, "err", err)
		return
	}
	vectors = embed.NormalizeAll(vectors)

	if err := w.repo.AttachEmbedding(ctx, task.ID, task.ModelID, vectors); err != nil {
		w.logger.Warn("attaching embedding", "id", task.ID, "model", task.ModelID, "err", err)
		return
	}

	w.logger.Info("embedded document", "id", task.ID, "model", task.ModelID, "chunks", len(chunks))
	w.ack(delivery)
}

func (w *EmbedWorker) ack(delivery *mq.Delivery) {
	if err := delivery.Ack(); err != nil {
		w.logger.Warn("acknowledging embedding task", "err", err)
	}
}
