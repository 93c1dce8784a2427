// Package chat orchestrates a single exchange: retrieval of similar past
// conversations, prompt assembly, generation, persistence, and the
// hand-off to the background vector worker.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okatran/mnemo/internal/llm"
	"github.com/okatran/mnemo/internal/memory"
	"github.com/okatran/mnemo/internal/prompt"
	"github.com/okatran/mnemo/internal/settings"
	"github.com/okatran/mnemo/internal/storage"
	"github.com/okatran/mnemo/internal/vector"
)

// JobTypeVectorSave is the queue job type for persisting an exchange to
// the vector store. The payload references the assistant message by ID.
const JobTypeVectorSave = "vector_save"

// VectorSavePayload is the JSON payload of a vector_save job.
type VectorSavePayload struct {
	MessageID string `json:"message_id"`
}

const historyLimit = 10

// ErrUpstream marks a failure of the hosted model API, as opposed to a
// local settings or persistence error.
var ErrUpstream = errors.New("model API failure")

// LLMClient is the completion and embedding surface the service needs.
// Implemented by llm.Client.
type LLMClient interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.GenOptions) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryEvaluator decides whether an exchange is worth remembering.
// Implemented by memory.Evaluator.
type MemoryEvaluator interface {
	Evaluate(ctx context.Context, query, response string) memory.Verdict
}

// Options configures retrieval behavior.
type Options struct {
	TopK     int
	MinScore float64
	Provider string
}

// Service ties storage, the vector store, and the model together.
type Service struct {
	store    *storage.Store
	vectors  vector.Store
	llm      LLMClient
	settings *settings.Manager
	composer *prompt.Composer
	eval     MemoryEvaluator
	opts     Options
}

// NewService creates the orchestrator. TopK defaults to 5 when <= 0.
func NewService(store *storage.Store, vectors vector.Store, client LLMClient, mgr *settings.Manager, comp *prompt.Composer, eval MemoryEvaluator, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Service{
		store:    store,
		vectors:  vectors,
		llm:      client,
		settings: mgr,
		composer: comp,
		eval:     eval,
		opts:     opts,
	}
}

// Exchange is one completed chat turn.
type Exchange struct {
	User      storage.Message `json:"user"`
	Assistant storage.Message `json:"assistant"`
}

// Send runs one full exchange for the given user input and returns both
// persisted messages. Retrieval failures degrade to an empty context;
// only generation and persistence failures are fatal.
func (s *Service) Send(ctx context.Context, content string) (Exchange, error) {
	if content == "" {
		return Exchange{}, errors.New("message content is empty")
	}

	cfg, err := s.settings.Get()
	if err != nil {
		return Exchange{}, fmt.Errorf("loading settings: %w", err)
	}

	matches := s.retrieve(ctx, content)

	history, err := s.history()
	if err != nil {
		slog.Warn("loading history failed, continuing without it", "error", err)
		history = nil
	}

	messages := s.composer.Compose(cfg.SystemPrompt, matches, history, content)
	reply, err := s.llm.Complete(ctx, messages, llm.GenOptions{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return Exchange{}, fmt.Errorf("generating response: %w: %w", ErrUpstream, err)
	}

	now := time.Now().UTC()
	userMsg := storage.Message{
		ID:        uuid.New().String(),
		Role:      storage.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	if err := s.store.SaveMessage(userMsg); err != nil {
		return Exchange{}, fmt.Errorf("saving user message: %w", err)
	}

	assistantMsg := storage.Message{
		ID:        uuid.New().String(),
		Role:      storage.RoleAssistant,
		Content:   reply,
		CreatedAt: now,
		Sources:   sourcesJSON(matches),
	}
	if err := s.store.SaveMessage(assistantMsg); err != nil {
		return Exchange{}, fmt.Errorf("saving assistant message: %w", err)
	}

	if cfg.MemoryEnabled && s.eval != nil {
		verdict := s.eval.Evaluate(ctx, content, reply)
		if verdict.Remember {
			if err := s.enqueueSave(assistantMsg.ID); err != nil {
				slog.Warn("enqueueing vector save failed", "message_id", assistantMsg.ID, "error", err)
			}
		} else {
			slog.Debug("exchange not remembered", "reason", verdict.Reason)
		}
	}

	return Exchange{User: userMsg, Assistant: assistantMsg}, nil
}

// retrieve embeds the query and searches the vector store. Any failure
// returns an empty result so the chat flow never blocks on retrieval.
func (s *Service) retrieve(ctx context.Context, query string) []vector.Match {
	vec, err := s.llm.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, skipping retrieval", "error", err)
		return nil
	}
	matches, err := s.vectors.Search(ctx, vec, s.opts.TopK, s.opts.MinScore)
	if err != nil {
		slog.Warn("similarity search failed, skipping retrieval", "error", err)
		return nil
	}
	return matches
}

// history returns the most recent messages as completion messages.
func (s *Service) history() ([]llm.Message, error) {
	recent, err := s.store.RecentMessages(historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, len(recent))
	for i, m := range recent {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func sourcesJSON(matches []vector.Match) string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func (s *Service) enqueueSave(messageID string) error {
	payload, err := json.Marshal(VectorSavePayload{MessageID: messageID})
	if err != nil {
		return err
	}
	return s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeVectorSave,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	})
}

// List returns messages in chronological order with paging.
func (s *Service) List(limit, offset int) ([]storage.Message, error) {
	return s.store.ListMessages(limit, offset)
}

// Get returns one message by ID.
func (s *Service) Get(id string) (storage.Message, error) {
	return s.store.GetMessage(id)
}

// Delete removes a message and, if it was persisted to the vector store,
// its vector document.
func (s *Service) Delete(ctx context.Context, id string) error {
	msg, err := s.store.GetMessage(id)
	if err != nil {
		return err
	}
	if msg.SavedToVector {
		if err := s.vectors.Delete(ctx, id); err != nil && !errors.Is(err, vector.ErrNotFound) {
			return fmt.Errorf("deleting vector for %s: %w", id, err)
		}
	}
	return s.store.DeleteMessage(id)
}

// SetSaved toggles vector persistence for an assistant message. Enabling
// enqueues one save job; disabling removes the vector immediately.
func (s *Service) SetSaved(ctx context.Context, id string, saved bool) (storage.Message, error) {
	msg, err := s.store.GetMessage(id)
	if err != nil {
		return storage.Message{}, err
	}
	if msg.Role != storage.RoleAssistant {
		return storage.Message{}, errors.New("only assistant messages can be saved to the vector store")
	}

	if saved {
		if !msg.SavedToVector {
			if err := s.enqueueSave(id); err != nil {
				return storage.Message{}, fmt.Errorf("enqueueing vector save: %w", err)
			}
		}
		return msg, nil
	}

	if err := s.vectors.Delete(ctx, id); err != nil && !errors.Is(err, vector.ErrNotFound) {
		return storage.Message{}, fmt.Errorf("deleting vector for %s: %w", id, err)
	}
	if err := s.store.SetMessageSaved(id, false); err != nil {
		return storage.Message{}, err
	}
	msg.SavedToVector = false
	return msg, nil
}

// Search embeds the query and returns scored matches from the vector store.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]vector.Match, error) {
	if query == "" {
		return nil, errors.New("query is empty")
	}
	if topK <= 0 {
		topK = s.opts.TopK
	}
	vec, err := s.llm.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := s.vectors.Search(ctx, vec, topK, s.opts.MinScore)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	return matches, nil
}

// Status reports backend health and counts.
type Status struct {
	VectorProvider  string `json:"vector_provider"`
	VectorReachable bool   `json:"vector_reachable"`
	VectorCount     int    `json:"vector_count"`
	MessageCount    int    `json:"message_count"`
}

// Status returns provider reachability and row counts.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{VectorProvider: s.opts.Provider}

	if err := s.vectors.Ping(ctx); err != nil {
		slog.Warn("vector store unreachable", "provider", st.VectorProvider, "error", err)
	} else {
		st.VectorReachable = true
		if n, err := s.vectors.Count(ctx); err == nil {
			st.VectorCount = n
		}
	}

	if n, err := s.store.CountMessages(); err == nil {
		st.MessageCount = n
	}
	return st
}

// ClearAll removes every vector and message. Vectors go first so a
// failure leaves messages intact for a retry.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.vectors.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clearing vectors: %w", err)
	}
	if err := s.store.DeleteAllMessages(); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	return nil
}
