package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/okatran/mnemo/internal/llm"
	"github.com/okatran/mnemo/internal/memory"
	"github.com/okatran/mnemo/internal/prompt"
	"github.com/okatran/mnemo/internal/settings"
	"github.com/okatran/mnemo/internal/storage"
	"github.com/okatran/mnemo/internal/vector"
)

// mockLLM implements LLMClient.
type mockLLM struct {
	reply        string
	completeErr  error
	embedErr     error
	lastMessages []llm.Message
	lastOpts     llm.GenOptions
}

func (m *mockLLM) Complete(ctx context.Context, messages []llm.Message, opts llm.GenOptions) (string, error) {
	m.lastMessages = messages
	m.lastOpts = opts
	return m.reply, m.completeErr
}

func (m *mockLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return []float32{1, 0, 0, 0}, nil
}

// mockEval implements MemoryEvaluator.
type mockEval struct {
	verdict memory.Verdict
	called  bool
}

func (m *mockEval) Evaluate(ctx context.Context, query, response string) memory.Verdict {
	m.called = true
	return m.verdict
}

type fixture struct {
	svc     *Service
	store   *storage.Store
	vectors *vector.MemoryStore
	llm     *mockLLM
	eval    *mockEval
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr, err := settings.NewManager(store, "test-model")
	if err != nil {
		t.Fatalf("creating settings manager: %v", err)
	}

	f := &fixture{
		store:   store,
		vectors: vector.NewMemoryStore(),
		llm:     &mockLLM{reply: "generated answer"},
		eval:    &mockEval{verdict: memory.Verdict{Remember: true}},
	}
	f.svc = NewService(store, f.vectors, f.llm, mgr, prompt.New(4000), f.eval, Options{
		TopK:     5,
		MinScore: 0.5,
		Provider: "memory",
	})
	return f
}

func seedVector(t *testing.T, f *fixture, id, query, response string) {
	t.Helper()
	err := f.vectors.Upsert(context.Background(), []vector.Document{{
		ID:        id,
		Query:     query,
		Response:  response,
		Embedding: []float32{1, 0, 0, 0},
	}})
	if err != nil {
		t.Fatalf("seeding vector: %v", err)
	}
}

func TestSend_PersistsExchange(t *testing.T) {
	f := newFixture(t)

	ex, err := f.svc.Send(context.Background(), "what is the answer")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ex.Assistant.Role != storage.RoleAssistant || ex.Assistant.Content != "generated answer" {
		t.Errorf("assistant message = %+v", ex.Assistant)
	}
	if ex.User.Role != storage.RoleUser || ex.User.Content != "what is the answer" {
		t.Errorf("user message = %+v", ex.User)
	}

	msgs, err := f.svc.List(10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "what is the answer" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if f.llm.lastOpts.Model != "test-model" {
		t.Errorf("model = %q, want test-model", f.llm.lastOpts.Model)
	}
}

func TestSend_InjectsRetrievedContext(t *testing.T) {
	f := newFixture(t)
	seedVector(t, f, "v1", "past question", "past answer")

	ex, err := f.svc.Send(context.Background(), "related question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if f.llm.lastMessages[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", f.llm.lastMessages[0].Role)
	}
	if !strings.Contains(f.llm.lastMessages[0].Content, "past answer") {
		t.Errorf("system message missing retrieved context: %s", f.llm.lastMessages[0].Content)
	}

	var sources []string
	if err := json.Unmarshal([]byte(ex.Assistant.Sources), &sources); err != nil {
		t.Fatalf("parsing sources: %v", err)
	}
	if len(sources) != 1 || sources[0] != "v1" {
		t.Errorf("sources = %v, want [v1]", sources)
	}
}

func TestSend_EmbedFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.llm.embedErr = errors.New("embedding down")

	ex, err := f.svc.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ex.Assistant.Sources != "[]" {
		t.Errorf("sources = %q, want []", ex.Assistant.Sources)
	}
}

func TestSend_CompletionFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.llm.completeErr = errors.New("model down")

	_, err := f.svc.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error when completion fails")
	}
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want it to wrap ErrUpstream", err)
	}

	msgs, err := f.svc.List(10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d persisted messages after failed completion, want 0", len(msgs))
	}
}

func TestSend_EnqueuesVectorSaveWhenRemembered(t *testing.T) {
	f := newFixture(t)

	ex, err := f.svc.Send(context.Background(), "we decided to use sqlite")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !f.eval.called {
		t.Error("evaluator not called")
	}

	job, err := f.store.ClaimNextJob([]string{JobTypeVectorSave})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a vector_save job")
	}
	var payload VectorSavePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("parsing payload: %v", err)
	}
	if payload.MessageID != ex.Assistant.ID {
		t.Errorf("payload message_id = %q, want %q", payload.MessageID, ex.Assistant.ID)
	}
}

func TestSend_NoJobWhenNotRemembered(t *testing.T) {
	f := newFixture(t)
	f.eval.verdict = memory.Verdict{Remember: false, Reason: "small talk"}

	if _, err := f.svc.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	job, err := f.store.ClaimNextJob([]string{JobTypeVectorSave})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestSend_MemoryDisabledSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	mgr, err := settings.NewManager(f.store, "test-model")
	if err != nil {
		t.Fatalf("settings manager: %v", err)
	}
	if err := mgr.Set(settings.KeyMemoryEnabled, "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// New manager so the service sees the updated value immediately.
	f.svc = NewService(f.store, f.vectors, f.llm, mgr, prompt.New(4000), f.eval, Options{TopK: 5})

	if _, err := f.svc.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if f.eval.called {
		t.Error("evaluator called with memory disabled")
	}
}

func TestSend_EmptyContent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Send(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestSetSaved_EnqueuesJob(t *testing.T) {
	f := newFixture(t)
	f.eval.verdict = memory.Verdict{Remember: false}

	ex, err := f.svc.Send(context.Background(), "question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := f.svc.SetSaved(context.Background(), ex.Assistant.ID, true); err != nil {
		t.Fatalf("SetSaved: %v", err)
	}
	job, err := f.store.ClaimNextJob([]string{JobTypeVectorSave})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a vector_save job")
	}
}

func TestSetSaved_RejectsUserMessage(t *testing.T) {
	f := newFixture(t)
	f.eval.verdict = memory.Verdict{Remember: false}

	if _, err := f.svc.Send(context.Background(), "question"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, _ := f.svc.List(10, 0)
	userID := msgs[0].ID

	if _, err := f.svc.SetSaved(context.Background(), userID, true); err == nil {
		t.Fatal("expected error for user message")
	}
}

func TestSetSaved_FalseRemovesVector(t *testing.T) {
	f := newFixture(t)
	f.eval.verdict = memory.Verdict{Remember: false}

	ex, err := f.svc.Send(context.Background(), "question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	aid := ex.Assistant.ID
	seedVector(t, f, aid, "question", ex.Assistant.Content)
	if err := f.store.SetMessageSaved(aid, true); err != nil {
		t.Fatalf("SetMessageSaved: %v", err)
	}

	got, err := f.svc.SetSaved(context.Background(), aid, false)
	if err != nil {
		t.Fatalf("SetSaved: %v", err)
	}
	if got.SavedToVector {
		t.Error("SavedToVector = true after unsave")
	}
	if _, err := f.vectors.Get(context.Background(), aid); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("vector still present, err = %v", err)
	}
}

func TestDelete_RemovesVectorToo(t *testing.T) {
	f := newFixture(t)
	f.eval.verdict = memory.Verdict{Remember: false}

	ex, err := f.svc.Send(context.Background(), "question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	aid := ex.Assistant.ID
	seedVector(t, f, aid, "question", ex.Assistant.Content)
	if err := f.store.SetMessageSaved(aid, true); err != nil {
		t.Fatalf("SetMessageSaved: %v", err)
	}

	if err := f.svc.Delete(context.Background(), aid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(aid); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("message still present, err = %v", err)
	}
	if _, err := f.vectors.Get(context.Background(), aid); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("vector still present, err = %v", err)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	seedVector(t, f, "v1", "past question", "past answer")

	matches, err := f.svc.Search(context.Background(), "related", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "v1" {
		t.Errorf("matches = %+v", matches)
	}

	if _, err := f.svc.Search(context.Background(), "", 5); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	seedVector(t, f, "v1", "q", "a")
	f.eval.verdict = memory.Verdict{Remember: false}
	if _, err := f.svc.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	st := f.svc.Status(context.Background())
	if !st.VectorReachable {
		t.Error("VectorReachable = false")
	}
	if st.VectorProvider != "memory" {
		t.Errorf("VectorProvider = %q", st.VectorProvider)
	}
	if st.VectorCount != 1 {
		t.Errorf("VectorCount = %d, want 1", st.VectorCount)
	}
	if st.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", st.MessageCount)
	}
}

func TestClearAll(t *testing.T) {
	f := newFixture(t)
	seedVector(t, f, "v1", "q", "a")
	f.eval.verdict = memory.Verdict{Remember: false}
	if _, err := f.svc.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := f.svc.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	st := f.svc.Status(context.Background())
	if st.VectorCount != 0 || st.MessageCount != 0 {
		t.Errorf("counts after clear = %+v", st)
	}
}
