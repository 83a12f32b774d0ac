package gemini

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/user/calclaw/pkg/llm"
)

func TestToContentsMergesAndMaps(t *testing.T) {
	system, contents, err := toContents([]llm.Message{
		{Role: llm.RoleSystem, Content: "You schedule meetings."},
		{Role: llm.RoleUser, Content: "cancel my 3pm"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "c1", Function: llm.FunctionCall{Name: "get_bookings", Arguments: json.RawMessage(`{"after":"today"}`)}},
		}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "get_bookings", Content: `{"bookings":[]}`},
		{Role: llm.RoleTool, ToolCallID: "c2", Name: "get_bookings", Content: `"plain"`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if system != "You schedule meetings." {
		t.Errorf("unexpected system instruction %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("expected model role, got %q", contents[1].Role)
	}
	call, ok := contents[1].Parts[0].(genai.FunctionCall)
	if !ok || call.Name != "get_bookings" || call.Args["after"] != "today" {
		t.Errorf("unexpected function call part %#v", contents[1].Parts[0])
	}
	if contents[2].Role != "user" || len(contents[2].Parts) != 2 {
		t.Fatalf("expected both tool results merged into one user turn, got %+v", contents[2])
	}
	second := contents[2].Parts[1].(genai.FunctionResponse)
	if second.Response["result"] != "plain" {
		t.Errorf("expected non-object result wrapped, got %v", second.Response)
	}
}

func TestToDeclarations(t *testing.T) {
	decls, err := toDeclarations([]llm.Tool{{
		Type: "function",
		Function: llm.Function{
			Name:        "create_booking",
			Description: "Book a meeting",
			Parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"start":{"type":"string","description":"when"},
					"length_minutes":{"type":"integer"},
					"guests":{"type":"array","items":{"type":"string"}},
					"status":{"type":"string","enum":["upcoming","past"]}
				},
				"required":["start"]
			}`),
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	p := decls[0].Parameters
	if p.Type != genai.TypeObject || len(p.Required) != 1 {
		t.Fatalf("unexpected schema %+v", p)
	}
	if p.Properties["length_minutes"].Type != genai.TypeInteger {
		t.Errorf("expected integer type")
	}
	if p.Properties["guests"].Items.Type != genai.TypeString {
		t.Errorf("expected string items")
	}
	if len(p.Properties["status"].Enum) != 2 {
		t.Errorf("expected enum to carry over")
	}
}

func TestFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("Let me check. "),
				genai.FunctionCall{Name: "get_bookings", Args: map[string]any{"after": "today"}},
			}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 3, TotalTokenCount: 15},
	}
	out, err := fromResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "Let me check. " {
		t.Errorf("unexpected content %q", out.Content)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Function.Name != "get_bookings" {
		t.Fatalf("unexpected tool calls %+v", out.ToolCalls)
	}
	if string(out.ToolCalls[0].Function.Arguments) != `{"after":"today"}` {
		t.Errorf("unexpected arguments %s", out.ToolCalls[0].Function.Arguments)
	}
	if out.ToolCalls[0].ID == "" {
		t.Error("expected generated call id")
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", out.Usage.TotalTokens)
	}
}

func TestFromResponseEmpty(t *testing.T) {
	if _, err := fromResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Error("expected error for empty candidates")
	}
}
