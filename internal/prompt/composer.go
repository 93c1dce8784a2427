// Package prompt assembles chat completion requests from the system
// prompt, retrieved past conversations, and the running message history.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okatran/mnemo/internal/llm"
	"github.com/okatran/mnemo/internal/vector"
)

const defaultMaxContextTokens = 4000

// Composer builds the message list sent to the model. Retrieved context
// is injected into the system message under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected
// context. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the full message list for one completion: a system
// message (base prompt plus retrieved context), the prior history in
// order, and the user query last.
func (c *Composer) Compose(systemPrompt string, matches []vector.Match, history []llm.Message, query string) []llm.Message {
	system := c.buildSystem(systemPrompt, matches)

	msgs := make([]llm.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: query})
	return msgs
}

// buildSystem merges the base system prompt with retrieved conversations,
// respecting the token budget by dropping lowest-scoring matches first.
func (c *Composer) buildSystem(systemPrompt string, matches []vector.Match) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if len(matches) == 0 {
		return sb.String()
	}

	sorted := make([]vector.Match, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	baseTokens := EstimateTokens(sb.String())
	contextHeader := "\n\n[Past Conversations]\n"
	headerTokens := EstimateTokens(contextHeader)
	remaining := c.MaxContextTokens - baseTokens - headerTokens

	var selected []string
	for _, m := range sorted {
		entry := formatMatch(m)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) > 0 {
		sb.WriteString(contextHeader)
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}

	return sb.String()
}

func formatMatch(m vector.Match) string {
	return fmt.Sprintf("(Score: %.2f)\nUser: %s\nAssistant: %s\n\n", m.Score, m.Query, m.Response)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
