package prompt

import (
	"strings"
	"testing"

	"github.com/okatran/mnemo/internal/llm"
	"github.com/okatran/mnemo/internal/vector"
)

func makeMatch(query, response string, score float32) vector.Match {
	return vector.Match{
		Document: vector.Document{ID: query, Query: query, Response: response},
		Score:    score,
	}
}

func TestCompose_NoContext(t *testing.T) {
	c := New(4000)

	msgs := c.Compose("You are a helpful assistant.", nil, nil, "hello")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are a helpful assistant." {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello" {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestCompose_EmptySystemPrompt(t *testing.T) {
	c := New(4000)

	msgs := c.Compose("", nil, nil, "hello")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != "user" {
		t.Errorf("role = %q, want user", msgs[0].Role)
	}
}

func TestCompose_MatchesInjected(t *testing.T) {
	c := New(4000)

	matches := []vector.Match{
		makeMatch("older question", "older answer", 0.5),
		makeMatch("best question", "best answer", 0.9),
	}

	msgs := c.Compose("Base prompt.", matches, nil, "q")
	system := msgs[0].Content
	if !strings.Contains(system, "[Past Conversations]") {
		t.Errorf("system message missing context header: %s", system)
	}
	if !strings.Contains(system, "best answer") || !strings.Contains(system, "older answer") {
		t.Errorf("system message missing matches: %s", system)
	}
	// Higher score should appear first.
	if strings.Index(system, "best answer") > strings.Index(system, "older answer") {
		t.Error("higher-scoring match should appear first")
	}
}

func TestCompose_HistoryPreserved(t *testing.T) {
	c := New(4000)

	history := []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
	}

	msgs := c.Compose("sys", nil, history, "third")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	want := []string{"sys", "first", "second", "third"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestCompose_TokenBudget(t *testing.T) {
	c := New(50)

	matches := make([]vector.Match, 20)
	for i := range matches {
		matches[i] = makeMatch("q", strings.Repeat("x", 100), float32(20-i)/20.0)
	}

	msgs := c.Compose("", matches, nil, "q")
	system := ""
	if msgs[0].Role == "system" {
		system = msgs[0].Content
	}
	if tokens := EstimateTokens(system); tokens > 50 {
		t.Errorf("system message exceeds token budget: %d tokens", tokens)
	}
}

func TestCompose_LowestScoringMatchDropped(t *testing.T) {
	// Budget allows the base prompt plus one match but not two.
	c := New(60)

	matches := []vector.Match{
		makeMatch("a", strings.Repeat("A", 80), 0.9),
		makeMatch("b", strings.Repeat("B", 80), 0.5),
	}

	msgs := c.Compose("short", matches, nil, "q")
	system := msgs[0].Content
	if !strings.Contains(system, strings.Repeat("A", 80)) {
		t.Error("expected high-scoring match to be kept")
	}
	if strings.Contains(system, strings.Repeat("B", 80)) {
		t.Error("expected low-scoring match to be dropped")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world", 3},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
