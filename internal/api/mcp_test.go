package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okatran/mnemo/internal/chat"
	"github.com/okatran/mnemo/internal/prompt"
	"github.com/okatran/mnemo/internal/settings"
	"github.com/okatran/mnemo/internal/storage"
	"github.com/okatran/mnemo/internal/vector"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *vector.MemoryStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr, err := settings.NewManager(store, "test-model")
	if err != nil {
		t.Fatalf("settings manager: %v", err)
	}

	vectors := vector.NewMemoryStore()
	svc := chat.NewService(store, vectors, &mockLLM{reply: "tool reply"}, mgr, prompt.New(4000), &mockEval{}, chat.Options{
		TopK:     5,
		MinScore: 0.5,
		Provider: "memory",
	})

	return MCPDeps{Chat: svc, Store: store}, vectors
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPAsk(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"content": "hello there",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "tool reply" {
		t.Errorf("text = %q, want %q", got, "tool reply")
	}

	msgs, err := deps.Store.RecentMessages(10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d persisted messages, want 2", len(msgs))
	}
}

func TestMCPAsk_MissingContent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing content")
	}
}

func TestMCPSearchMemory(t *testing.T) {
	deps, vectors := newTestMCPDeps(t)
	err := vectors.Upsert(context.Background(), []vector.Document{{
		ID:        "v1",
		Query:     "past question",
		Response:  "past answer",
		Embedding: []float32{1, 0, 0, 0},
	}})
	if err != nil {
		t.Fatalf("seeding vector: %v", err)
	}

	handler := mcpSearchMemory(deps)
	result, err := handler(context.Background(), makeCallToolRequest("search_memory", map[string]interface{}{
		"query": "related",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var matches []vector.Match
	if err := json.Unmarshal([]byte(toolText(t, result)), &matches); err != nil {
		t.Fatalf("decoding matches: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "v1" {
		t.Errorf("matches = %+v", matches)
	}
}

func TestMCPSearchMemory_NoResults(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearchMemory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_memory", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("text = %q, want []", got)
	}
}

func TestMCPRemember(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	ask := mcpAsk(deps)
	if _, err := ask(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"content": "store this",
	})); err != nil {
		t.Fatalf("ask: %v", err)
	}
	msgs, _ := deps.Store.RecentMessages(10)
	assistantID := msgs[1].ID

	handler := mcpRemember(deps)
	result, err := handler(context.Background(), makeCallToolRequest("remember", map[string]interface{}{
		"message_id": assistantID,
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	job, err := deps.Store.ClaimNextJob([]string{chat.JobTypeVectorSave})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a vector_save job")
	}
}

func TestMCPRemember_UnknownMessage(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRemember(deps)

	result, err := handler(context.Background(), makeCallToolRequest("remember", map[string]interface{}{
		"message_id": "nope",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for unknown message")
	}
}

func TestMCPResourceRecent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	ask := mcpAsk(deps)
	if _, err := ask(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"content": "a question",
	})); err != nil {
		t.Fatalf("ask: %v", err)
	}

	handler := mcpResourceRecent(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("chat://recent"))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(text.Text), &summaries); err != nil {
		t.Fatalf("decoding summaries: %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("got %d summaries, want 2", len(summaries))
	}
}
