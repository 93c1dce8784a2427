// Package worker processes vector_save jobs from the SQLite job queue,
// embedding finished exchanges and persisting them to the vector store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okatran/mnemo/internal/chat"
	"github.com/okatran/mnemo/internal/storage"
	"github.com/okatran/mnemo/internal/vector"
)

// JobStore abstracts the job queue and message operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetMessage(id string) (storage.Message, error)
	PrecedingUserMessage(beforeID string) (storage.Message, error)
	SetMessageSaved(id string, saved bool) error
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorUpserter writes documents into the vector store.
type VectorUpserter interface {
	Upsert(ctx context.Context, docs []vector.Document) error
}

// Worker drains vector_save jobs.
type Worker struct {
	store    JobStore
	embedder Embedder
	vectors  VectorUpserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, vectors VectorUpserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single vector_save job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{chat.JobTypeVectorSave})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload chat.VectorSavePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	msg, err := w.store.GetMessage(payload.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		// Message deleted before the job ran; nothing left to save.
		w.logger.Info("message gone, skipping vector save", "message_id", payload.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading message %s: %w", payload.MessageID, err)
	}

	query := ""
	userMsg, err := w.store.PrecedingUserMessage(msg.ID)
	switch {
	case err == nil:
		query = userMsg.Content
	case errors.Is(err, storage.ErrNotFound):
		// An assistant message with no query half still gets stored.
	default:
		return fmt.Errorf("loading query for %s: %w", msg.ID, err)
	}

	vec, err := w.embedder.Embed(ctx, embeddingText(query, msg.Content))
	if err != nil {
		return fmt.Errorf("embedding exchange: %w", err)
	}

	var sources []string
	if msg.Sources != "" {
		if err := json.Unmarshal([]byte(msg.Sources), &sources); err != nil {
			return fmt.Errorf("parsing sources for %s: %w", msg.ID, err)
		}
	}

	doc := vector.Document{
		ID:        msg.ID,
		Query:     query,
		Response:  msg.Content,
		Sources:   sources,
		Embedding: vec,
		CreatedAt: msg.CreatedAt,
	}
	if err := w.vectors.Upsert(ctx, []vector.Document{doc}); err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}

	// Flag flips only after the upsert landed.
	if err := w.store.SetMessageSaved(msg.ID, true); err != nil {
		return fmt.Errorf("marking message saved: %w", err)
	}
	return nil
}

func embeddingText(query, response string) string {
	if query == "" {
		return response
	}
	return query + "\n" + response
}
