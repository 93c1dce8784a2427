// Package memory decides whether a chat exchange is worth persisting to
// the vector store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/okatran/mnemo/internal/llm"
)

const evaluationTimeout = 10 * time.Second

const evaluatorPrompt = `You decide whether a chat exchange contains information worth remembering for future conversations. Your output must be ONLY a single valid JSON object of the form {"remember": <bool>, "reason": "<short explanation>"}. Do not include any other text, prose, or markdown.

Remember an exchange when it contains:
- facts about the user, their projects, or their preferences
- decisions, plans, or commitments
- non-trivial information likely to be referenced again

Do not remember small talk, greetings, or exchanges with no lasting content.`

// Completer is the chat completion surface the evaluator needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.GenOptions) (string, error)
}

// Verdict is the structured evaluation result.
type Verdict struct {
	Remember bool   `json:"remember"`
	Reason   string `json:"reason"`
}

// Evaluator asks the chat model whether an exchange should be stored.
type Evaluator struct {
	client Completer
	model  string
}

// NewEvaluator creates an Evaluator using the given completion client
// and model name.
func NewEvaluator(client Completer, model string) *Evaluator {
	return &Evaluator{client: client, model: model}
}

// rememberPattern pulls the boolean out of responses that wrap the JSON
// in prose or fences.
var rememberPattern = regexp.MustCompile(`"remember"\s*:\s*(true|false)`)

// Evaluate returns the model's verdict for one exchange. On any failure
// (timeout, completion error, response with no recognizable verdict) it
// returns Remember=false so the chat pipeline never blocks on it.
func (e *Evaluator) Evaluate(ctx context.Context, query, response string) Verdict {
	if query == "" && response == "" {
		return Verdict{}
	}

	ctx, cancel := context.WithTimeout(ctx, evaluationTimeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: evaluatorPrompt},
		{Role: "user", Content: fmt.Sprintf("User: %s\nAssistant: %s", query, response)},
	}

	raw, err := e.client.Complete(ctx, messages, llm.GenOptions{Model: e.model})
	if err != nil {
		slog.Warn("memory evaluation failed", "error", err)
		return Verdict{}
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}

	// Malformed JSON, scan for the boolean before giving up.
	if m := rememberPattern.FindStringSubmatch(raw); m != nil {
		return Verdict{Remember: m[1] == "true", Reason: "recovered from malformed response"}
	}

	slog.Warn("memory evaluation returned unparseable response", "response", raw)
	return Verdict{}
}
