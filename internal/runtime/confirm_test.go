package runtime

import (
	"testing"

	"github.com/user/calclaw/internal/types"
)

func TestClassify(t *testing.T) {
	tests := map[string]Intent{
		"yes":                        IntentAffirm,
		"Yes!":                       IntentAffirm,
		"yes please":                 IntentAffirm,
		"ok":                         IntentAffirm,
		"Sure, go ahead.":            IntentAffirm,
		"yes cancel them all":        IntentAffirm,
		"confirm":                    IntentAffirm,
		"no":                         IntentReject,
		"No thanks":                  IntentReject,
		"nope":                       IntentReject,
		"never mind":                 IntentReject,
		"no, keep them":              IntentReject,
		"don’t":                      IntentReject,
		"book tomorrow at 2pm":       IntentOther,
		"sure, what about next week": IntentOther,
		"ok but not friday":          IntentOther,
		"":                           IntentOther,
		"please":                     IntentOther,
		"yes and book me at 3pm":     IntentOther,
	}
	for in, want := range tests {
		if got := Classify(in); got != want {
			t.Errorf("Classify(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestIsBareAnswer(t *testing.T) {
	if !IsBareAnswer("yes") || !IsBareAnswer("no thanks") {
		t.Error("expected short answers to be bare")
	}
	if IsBareAnswer("yes cancel them all") {
		t.Error("expected four words not to be bare")
	}
	if IsBareAnswer("what's on tomorrow") {
		t.Error("expected a question not to be bare")
	}
}

func TestAwaitingAnswer(t *testing.T) {
	user := func(text string) *types.Turn { return &types.Turn{Role: types.RoleUser, Content: text} }
	agent := func(text string) *types.Turn { return &types.Turn{Role: types.RoleAgent, Content: text} }
	tool := func(callID string) *types.Turn {
		return &types.Turn{Role: types.RoleTool, Tool: &types.ToolRecord{CallID: callID, Name: "cancel_all_bookings"}}
	}

	tests := []struct {
		name  string
		turns []*types.Turn
		want  bool
	}{
		{"empty", nil, false},
		{"statement", []*types.Turn{user("hi"), agent("Booked.")}, false},
		{"question", []*types.Turn{user("book me in"), agent("What time works for you?")}, true},
		{"question before tool turn", []*types.Turn{user("hi"), agent("Shall I book 2pm?"), tool("c1")}, true},
		{"confirm prompt", []*types.Turn{user("cancel all"), tool("c1"), agent(ConfirmPrompt)}, false},
		{"nothing to confirm", []*types.Turn{user("yes"), agent(NothingToConfirmReply)}, false},
		{"fallback", []*types.Turn{user("hmm"), agent(FallbackReply)}, false},
		{
			"summary of confirmed operation",
			[]*types.Turn{user("yes"), tool(confirmCallPrefix + "abc"), agent("Cancelled 2 bookings. Anything else?")},
			false,
		},
		{
			"question after a later user turn",
			[]*types.Turn{user("yes"), tool(confirmCallPrefix + "abc"), agent("Done."), user("book friday"), agent("Morning or afternoon?")},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := awaitingAnswer(&types.Session{Turns: tt.turns}); got != tt.want {
				t.Errorf("awaitingAnswer() = %v, want %v", got, tt.want)
			}
		})
	}
}
