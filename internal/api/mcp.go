package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okatran/mnemo/internal/chat"
	"github.com/okatran/mnemo/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat  *chat.Service
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the chat pipeline to
// agent clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mnemo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mnemo — chat with memory of past conversations, backed by a vector store."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a message through the full chat pipeline: retrieval of relevant past conversations, generation, and persistence."),
			mcp.WithString("content", mcp.Description("The message to send"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Semantically search stored past conversations and return scored matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Force an assistant message into the vector store, bypassing automatic memory evaluation."),
			mcp.WithString("message_id", mcp.Description("ID of the assistant message to persist"), mcp.Required()),
		),
		mcpRemember(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://recent",
			"Recent Messages",
			mcp.WithResourceDescription("Last 10 chat messages"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		exchange, err := deps.Chat.Send(ctx, content)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		return mcpText(exchange.Assistant.Content), nil
	}
}

func mcpSearchMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Chat.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		if _, err := deps.Chat.SetSaved(ctx, messageID, true); err != nil {
			return mcpError(fmt.Sprintf("failed to remember message: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued message %s for memory", messageID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		messages, err := deps.Store.RecentMessages(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent messages: %w", err)
		}

		type messageSummary struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			CreatedAt string `json:"created_at"`
			Content   string `json:"content"`
		}

		summaries := make([]messageSummary, len(messages))
		for i, m := range messages {
			content := m.Content
			if utf8.RuneCountInString(content) > 200 {
				runes := []rune(content)
				content = string(runes[:200]) + "..."
			}
			summaries[i] = messageSummary{
				ID:        m.ID,
				Role:      m.Role,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
				Content:   content,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
