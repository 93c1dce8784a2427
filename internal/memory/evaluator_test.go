package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/okatran/mnemo/internal/llm"
)

// mockCompleter implements Completer for testing.
type mockCompleter struct {
	response string
	err      error
	messages []llm.Message
}

func (m *mockCompleter) Complete(ctx context.Context, messages []llm.Message, opts llm.GenOptions) (string, error) {
	m.messages = messages
	return m.response, m.err
}

func TestEvaluate_Remember(t *testing.T) {
	mock := &mockCompleter{response: `{"remember": true, "reason": "contains a project decision"}`}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "we picked postgres for the billing service", "noted")
	if !v.Remember {
		t.Error("Remember = false, want true")
	}
	if v.Reason != "contains a project decision" {
		t.Errorf("Reason = %q", v.Reason)
	}
	if len(mock.messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(mock.messages))
	}
	if mock.messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", mock.messages[0].Role)
	}
}

func TestEvaluate_DontRemember(t *testing.T) {
	mock := &mockCompleter{response: `{"remember": false, "reason": "small talk"}`}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "hi", "hello!")
	if v.Remember {
		t.Error("Remember = true, want false")
	}
}

func TestEvaluate_MalformedJSONFallback(t *testing.T) {
	mock := &mockCompleter{response: "Sure! Here is the verdict:\n```json\n{\"remember\": true, \"reason\": \"x\"}\n```"}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "q", "a")
	if !v.Remember {
		t.Error("Remember = false, want true from regex fallback")
	}
}

func TestEvaluate_UnparseableResponse(t *testing.T) {
	mock := &mockCompleter{response: "I cannot decide."}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "q", "a")
	if v.Remember {
		t.Error("Remember = true, want false for unparseable response")
	}
}

func TestEvaluate_CompletionError(t *testing.T) {
	mock := &mockCompleter{err: errors.New("upstream down")}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "q", "a")
	if v.Remember {
		t.Error("Remember = true, want false on completion error")
	}
}

func TestEvaluate_EmptyExchange(t *testing.T) {
	mock := &mockCompleter{response: `{"remember": true}`}
	e := NewEvaluator(mock, "gpt-4o-mini")

	v := e.Evaluate(context.Background(), "", "")
	if v.Remember {
		t.Error("Remember = true, want false for empty exchange")
	}
	if mock.messages != nil {
		t.Error("completion called for empty exchange")
	}
}
