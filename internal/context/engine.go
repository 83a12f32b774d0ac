// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/user/calclaw/internal/types"
	"github.com/user/calclaw/pkg/llm"
)

// PromptData is the data the system prompt template is rendered with.
type PromptData struct {
	Now      string
	Today    string
	Tomorrow string
	TimeZone string
	Tools    string
	Profile  types.Profile
}

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// BPE ranks come from the files embedded in the loader module, so building
// an engine never downloads them.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse default prompt: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// SetPrompt replaces the system prompt template.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt: %w", err)
	}
	e.prompt = tmpl
	return nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// BuildPrompt assembles a token-budgeted prompt from session history.
// Turns from the latest user turn onward are always included; older turns
// are added newest first until the budget runs out.
func (e *Engine) BuildPrompt(
	ctx context.Context,
	session *types.Session,
	toolNames []string,
	now time.Time,
) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	// 1. System prompt
	sysPrompt, err := e.systemPrompt(session.Profile, toolNames, now)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.countTokens(sysPrompt)

	// 2. Convert turns to message groups
	groups := make([][]llm.Message, len(session.Turns))
	lastUser := -1
	for i, turn := range session.Turns {
		groups[i] = TurnMessages(turn)
		if turn.Role == types.RoleUser {
			lastUser = i
		}
	}

	start := len(groups)
	if lastUser >= 0 {
		start = lastUser
	}
	used := 0
	for i := start; i < len(groups); i++ {
		used += e.groupTokens(groups[i])
	}
	for i := start - 1; i >= 0; i-- {
		cost := e.groupTokens(groups[i])
		if used+cost > remaining {
			break
		}
		used += cost
		start = i
	}
	// History must open on a user turn so tool results keep their calls.
	for start < len(groups) && start != lastUser && session.Turns[start].Role != types.RoleUser {
		start++
	}

	// 3. Assemble: system + turns (already in chronological order)
	messages := []llm.Message{{Role: llm.RoleSystem, Content: sysPrompt}}
	for _, g := range groups[start:] {
		messages = append(messages, g...)
	}
	return messages, nil
}

func (e *Engine) groupTokens(msgs []llm.Message) int {
	n := 0
	for _, msg := range msgs {
		n += e.countTokens(msg.Content)
		for _, tc := range msg.ToolCalls {
			n += e.countTokens(tc.Function.Name)
			n += e.countTokens(string(tc.Function.Arguments))
		}
	}
	return n
}

func (e *Engine) systemPrompt(profile types.Profile, toolNames []string, now time.Time) (string, error) {
	loc := time.UTC
	if profile.TimeZone != "" {
		if l, err := time.LoadLocation(profile.TimeZone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	data := PromptData{
		Now:      now.UTC().Format(time.RFC3339),
		Today:    local.Format("Monday, 2006-01-02"),
		Tomorrow: local.AddDate(0, 0, 1).Format("Monday, 2006-01-02"),
		TimeZone: loc.String(),
		Tools:    strings.Join(toolNames, ", "),
		Profile:  profile,
	}
	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// TurnMessages converts a stored turn into the messages the model sees. A
// tool turn becomes the assistant call followed by its result.
func TurnMessages(turn *types.Turn) []llm.Message {
	switch turn.Role {
	case types.RoleUser:
		return []llm.Message{{Role: llm.RoleUser, Content: turn.Content}}
	case types.RoleAgent:
		return []llm.Message{{Role: llm.RoleAssistant, Content: turn.Content}}
	case types.RoleTool:
		if turn.Tool == nil {
			return nil
		}
		args := turn.Tool.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return []llm.Message{
			{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:   turn.Tool.CallID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      turn.Tool.Name,
						Arguments: args,
					},
				}},
			},
			{
				Role:       llm.RoleTool,
				ToolCallID: turn.Tool.CallID,
				Name:       turn.Tool.Name,
				Content:    ToolContent(turn.Tool),
			},
		}
	}
	return nil
}

// ToolContent is the text the model receives as a tool result.
func ToolContent(rec *types.ToolRecord) string {
	if rec.Error != nil {
		b, _ := json.Marshal(map[string]*types.ToolError{"error": rec.Error})
		return string(b)
	}
	if len(rec.Result) == 0 {
		return "{}"
	}
	return string(rec.Result)
}
