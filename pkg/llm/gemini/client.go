// Package gemini implements llm.Provider on Google's Gemini models.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/user/calclaw/pkg/llm"
)

// DefaultModel is used when the config leaves Model empty.
const DefaultModel = "gemini-1.5-pro"

// Client implements the llm.Provider interface for Gemini.
type Client struct {
	config *llm.Config
	client *genai.Client
}

// New creates a Gemini client with the config's API key.
func New(ctx context.Context, config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Client{config: config, client: client}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Complete sends the conversation as a chat session and returns the reply.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	name := c.config.Model
	if name == "" {
		name = DefaultModel
	}
	model := c.client.GenerativeModel(name)
	if c.config.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(c.config.MaxTokens))
	}
	if c.config.Temperature != 0 {
		model.SetTemperature(c.config.Temperature)
	}

	system, contents, err := toContents(messages)
	if err != nil {
		return nil, err
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		decls, err := toDeclarations(tools)
		if err != nil {
			return nil, err
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: no messages to send")
	}
	last := contents[len(contents)-1]
	if last.Role == "model" {
		return nil, fmt.Errorf("gemini: conversation must end with a user or tool message")
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &llm.APIError{Provider: "gemini", StatusCode: gerr.Code, Body: gerr.Message}
		}
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return fromResponse(resp)
}

// toContents converts messages to Gemini contents. System messages become
// the system instruction. Consecutive messages with the same Gemini role
// are merged, since Gemini expects turns to alternate.
func toContents(messages []llm.Message) (string, []*genai.Content, error) {
	var system []string
	var contents []*genai.Content

	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleUser:
			add("user", genai.Text(msg.Content))
		case llm.RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if len(tc.Function.Arguments) > 0 {
					if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
						args = map[string]any{"raw": string(tc.Function.Arguments)}
					}
				}
				parts = append(parts, genai.FunctionCall{Name: tc.Function.Name, Args: args})
			}
			add("model", parts...)
		case llm.RoleTool:
			add("user", genai.FunctionResponse{Name: msg.Name, Response: toResponseMap(msg.Content)})
		default:
			return "", nil, fmt.Errorf("gemini: unsupported message role %q", msg.Role)
		}
	}
	return strings.Join(system, "\n\n"), contents, nil
}

func toResponseMap(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err == nil && m != nil {
		return m
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return map[string]any{"result": v}
	}
	return map[string]any{"result": content}
}

func fromResponse(resp *genai.GenerateContentResponse) (*llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates in response")
	}

	out := &llm.Response{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("encoding function call args: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:       "gemini-" + uuid.NewString(),
				Type:     "function",
				Function: llm.FunctionCall{Name: p.Name, Arguments: args},
			})
		}
	}
	out.Content = text.String()

	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}
