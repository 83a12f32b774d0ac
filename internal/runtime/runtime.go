package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ctxengine "github.com/user/calclaw/internal/context"
	"github.com/user/calclaw/internal/gateway"
	"github.com/user/calclaw/internal/instrumentation"
	"github.com/user/calclaw/internal/logging"
	"github.com/user/calclaw/internal/types"
	"github.com/user/calclaw/pkg/llm"
)

// DefaultMaxRounds bounds model calls per request.
const DefaultMaxRounds = 5

// Fixed replies.
const (
	ApologyReply          = gateway.ApologyReply
	FallbackReply         = "I couldn't finish that request. Could you say again what you'd like to do with your calendar?"
	ConfirmPrompt         = `This will cancel all of your active bookings. Reply "yes" to confirm or "no" to keep them.`
	RejectedReply         = "Okay, I've kept your bookings as they are."
	NothingToConfirmReply = "There's nothing waiting for your confirmation. What would you like to do with your calendar?"
)

// confirmCallPrefix marks the tool call id of an operation run after the
// user confirmed it.
const confirmCallPrefix = "confirm-"

// State is a step of the dispatch state machine.
type State string

const (
	StateAwaitingUserInput     State = "awaiting_user_input"
	StateAwaitingModelDecision State = "awaiting_model_decision"
	StateExecutingTools        State = "executing_tools"
	StateAwaitingConfirmation  State = "awaiting_confirmation"
	StateComposingReply        State = "composing_reply"
)

// Options tunes a Runtime. Zero values pick the defaults.
type Options struct {
	MaxRounds    int
	ModelTimeout time.Duration
	// Location is used for sessions whose profile has no time zone.
	Location *time.Location
	Provider string
	Metrics  *instrumentation.Metrics
	Now      func() time.Time
}

// Runtime implements the dispatch loop.
type Runtime struct {
	provider     llm.Provider
	engine       *ctxengine.Engine
	sessions     types.SessionStore
	registry     *Registry
	maxRounds    int
	modelTimeout time.Duration
	loc          *time.Location
	providerName string
	metrics      *instrumentation.Metrics
	now          func() time.Time
}

// New creates a Runtime with the given dependencies.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	sessions types.SessionStore,
	registry *Registry,
	opts Options,
) *Runtime {
	rt := &Runtime{
		provider:     provider,
		engine:       engine,
		sessions:     sessions,
		registry:     registry,
		maxRounds:    opts.MaxRounds,
		modelTimeout: opts.ModelTimeout,
		loc:          opts.Location,
		providerName: opts.Provider,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if rt.maxRounds <= 0 {
		rt.maxRounds = DefaultMaxRounds
	}
	if rt.loc == nil {
		rt.loc = time.UTC
	}
	if rt.providerName == "" {
		rt.providerName = "llm"
	}
	if rt.metrics == nil {
		rt.metrics = instrumentation.Noop()
	}
	if rt.now == nil {
		rt.now = func() time.Time { return time.Now().UTC() }
	}
	return rt
}

// ProcessRun handles one queued run. This is the function passed to
// Queue.SetProcessor. A returned error makes the queue send the apology.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := rt.Handle(ctx, run.SessionID, run.Message)
	if err != nil {
		return err
	}
	if run.OnComplete != nil {
		run.OnComplete(reply)
	}
	return nil
}

// dispatch is the state of one request.
type dispatch struct {
	rt      *Runtime
	sid     types.SessionID
	log     *slog.Logger
	state   State
	rounds  int
	session *types.Session
	env     Env
}

func (d *dispatch) transition(to State) {
	d.log.Debug("state transition", "from", string(d.state), logging.KeyState, string(to), logging.KeyRound, d.rounds)
	d.state = to
}

func (d *dispatch) append(ctx context.Context, turn *types.Turn) error {
	if err := d.rt.sessions.Append(ctx, d.sid, turn); err != nil {
		return fmt.Errorf("append %s turn: %w", turn.Role, err)
	}
	return nil
}

func (d *dispatch) reply(ctx context.Context, text string) (string, error) {
	d.transition(StateComposingReply)
	if err := d.append(ctx, &types.Turn{Role: types.RoleAgent, Content: text}); err != nil {
		return "", err
	}
	d.rt.metrics.RecordRounds(ctx, d.rounds)
	d.log.Info("reply composed", logging.KeyRound, d.rounds)
	return text, nil
}

// Handle runs the dispatch loop for one user message and returns the
// reply. An error means the request failed fatally; session state is left
// as of the last successful append.
func (rt *Runtime) Handle(ctx context.Context, sid types.SessionID, msg *types.InboundMessage) (string, error) {
	d := &dispatch{
		rt:  rt,
		sid: sid,
		log: logging.WithSession(slog.Default(), string(sid)),
	}
	d.transition(StateAwaitingUserInput)

	session, err := rt.sessions.GetOrCreate(ctx, sid)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	d.sid = session.ID
	if msg.Profile != nil {
		merged := mergeProfile(session.Profile, *msg.Profile)
		if merged != session.Profile {
			if err := rt.sessions.UpdateProfile(ctx, d.sid, merged); err != nil {
				return "", fmt.Errorf("update profile: %w", err)
			}
			session.Profile = merged
		}
	}
	answersQuestion := awaitingAnswer(session)

	if err := d.append(ctx, &types.Turn{Role: types.RoleUser, Content: msg.Text}); err != nil {
		return "", err
	}
	d.env = rt.env(session)

	pending, err := rt.sessions.GetPendingConfirmation(ctx, d.sid)
	if err != nil {
		return "", fmt.Errorf("load pending confirmation: %w", err)
	}

	intent := Classify(msg.Text)
	switch {
	case pending != nil:
		d.transition(StateAwaitingConfirmation)
		if err := rt.sessions.ClearPendingConfirmation(ctx, d.sid); err != nil {
			return "", fmt.Errorf("clear pending confirmation: %w", err)
		}
		switch intent {
		case IntentAffirm:
			rt.metrics.RecordConfirmation(ctx, instrumentation.ConfirmConfirmed)
			d.log.Info("confirmation accepted", logging.Tool(pending.Operation))
			d.transition(StateExecutingTools)
			rec := rt.execute(ctx, d.env, confirmCallPrefix+string(pending.ID), pending.Operation, pending.Arguments)
			if err := d.append(ctx, &types.Turn{Role: types.RoleTool, Tool: rec}); err != nil {
				return "", err
			}
		case IntentReject:
			rt.metrics.RecordConfirmation(ctx, instrumentation.ConfirmRejected)
			d.log.Info("confirmation rejected", logging.Tool(pending.Operation))
			return d.reply(ctx, RejectedReply)
		default:
			rt.metrics.RecordConfirmation(ctx, instrumentation.ConfirmSuperseded)
			d.log.Info("confirmation superseded", logging.Tool(pending.Operation))
		}

	case intent != IntentOther && IsBareAnswer(msg.Text) && !answersQuestion:
		return d.reply(ctx, NothingToConfirmReply)
	}

	return rt.loop(ctx, d)
}

func (rt *Runtime) loop(ctx context.Context, d *dispatch) (string, error) {
	tools := rt.registry.List()
	names := rt.registry.Names()

	for d.rounds < rt.maxRounds {
		d.rounds++
		d.transition(StateAwaitingModelDecision)

		session, err := rt.sessions.GetOrCreate(ctx, d.sid)
		if err != nil {
			return "", fmt.Errorf("load session: %w", err)
		}
		messages, err := rt.engine.BuildPrompt(ctx, session, names, d.env.Now)
		if err != nil {
			return "", fmt.Errorf("build prompt: %w", err)
		}

		resp, err := rt.complete(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("LLM call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Content)
			if text == "" {
				text = FallbackReply
			}
			return d.reply(ctx, text)
		}

		d.transition(StateExecutingTools)
		done, reply, err := rt.runCalls(ctx, d, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		if done {
			return d.reply(ctx, reply)
		}
	}

	d.log.Warn("max tool rounds exceeded", logging.KeyRound, d.rounds)
	return d.reply(ctx, FallbackReply)
}

// runCalls executes one round of tool calls in order. It reports done when
// the round ended in a confirmation request.
func (rt *Runtime) runCalls(ctx context.Context, d *dispatch, calls []llm.ToolCall) (bool, string, error) {
	byID := make(map[string]*types.ToolRecord)
	byArgs := make(map[string]*types.ToolRecord)

	for _, tc := range calls {
		name := tc.Function.Name
		raw := tc.Function.Arguments
		key := name + "\x00" + canonical(raw)

		if prev, ok := byID[tc.ID]; ok && tc.ID != "" {
			d.log.Debug("duplicate tool call skipped", logging.Tool(name), "call_id", tc.ID, "first", prev.Name)
			continue
		}
		if prev, ok := byArgs[key]; ok {
			d.log.Debug("duplicate tool call reused", logging.Tool(name), "call_id", tc.ID)
			rec := *prev
			rec.CallID = tc.ID
			byID[tc.ID] = &rec
			if err := d.append(ctx, &types.Turn{Role: types.RoleTool, Tool: &rec}); err != nil {
				return false, "", err
			}
			continue
		}

		if spec, ok := rt.registry.Get(name); ok && spec.Confirm {
			args, err := rt.registry.Validate(d.env, name, raw)
			if err == nil {
				return true, ConfirmPrompt, rt.requestConfirmation(ctx, d, tc.ID, name, args)
			}
			rec := toolRecord(tc.ID, name, raw)
			setToolError(rec, err)
			byID[tc.ID], byArgs[key] = rec, rec
			if err := d.append(ctx, &types.Turn{Role: types.RoleTool, Tool: rec}); err != nil {
				return false, "", err
			}
			continue
		}

		rec := rt.execute(ctx, d.env, tc.ID, name, raw)
		byID[tc.ID], byArgs[key] = rec, rec
		if err := d.append(ctx, &types.Turn{Role: types.RoleTool, Tool: rec}); err != nil {
			return false, "", err
		}
	}
	return false, "", nil
}

func (rt *Runtime) requestConfirmation(ctx context.Context, d *dispatch, callID, name string, args Args) error {
	d.transition(StateAwaitingConfirmation)
	pending := &types.PendingConfirmation{
		ID:        types.NewConfirmationID(),
		Operation: name,
		Arguments: args.JSON(),
		CreatedAt: d.env.Now,
	}
	if err := rt.sessions.SetPendingConfirmation(ctx, d.sid, pending); err != nil {
		return fmt.Errorf("set pending confirmation: %w", err)
	}
	rec := toolRecord(callID, name, pending.Arguments)
	rec.Result = json.RawMessage(`{"status":"awaiting_confirmation"}`)
	if err := d.append(ctx, &types.Turn{Role: types.RoleTool, Tool: rec}); err != nil {
		return err
	}
	rt.metrics.RecordConfirmation(ctx, instrumentation.ConfirmRequested)
	d.log.Info("confirmation requested", logging.Tool(name), logging.UserHash(d.env.Profile.Email))
	return nil
}

func (rt *Runtime) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	if rt.modelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.modelTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := rt.provider.Complete(ctx, messages, tools)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rt.metrics.RecordModelCall(ctx, rt.providerName, outcome, time.Since(start))
	return resp, err
}

// execute runs one call through the registry. Every failure becomes part
// of the returned record.
func (rt *Runtime) execute(ctx context.Context, env Env, callID, name string, raw json.RawMessage) *types.ToolRecord {
	rec := toolRecord(callID, name, raw)
	start := time.Now()
	result, err := rt.registry.Invoke(ctx, env, name, raw)
	outcome := "ok"
	if err != nil {
		setToolError(rec, err)
		outcome = string(rec.Error.Kind)
		slog.Warn("tool failed",
			logging.KeySessionID, string(env.SessionID),
			logging.KeyTool, name,
			logging.KeyKind, outcome,
			logging.KeyError, err)
	} else {
		rec.Result = result
	}
	rt.metrics.RecordToolInvocation(ctx, name, outcome, time.Since(start))
	return rec
}

func toolRecord(callID, name string, raw json.RawMessage) *types.ToolRecord {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
		raw = json.RawMessage(`{}`)
	case !json.Valid(raw):
		raw, _ = json.Marshal(string(raw))
	}
	return &types.ToolRecord{CallID: callID, Name: name, Arguments: raw}
}

func setToolError(rec *types.ToolRecord, err error) {
	kind := types.KindOf(err)
	msg := types.MessageOf(err)
	if !types.Recoverable(err) {
		msg = "internal error"
	}
	rec.Error = &types.ToolError{Kind: kind, Message: msg}
}

func (rt *Runtime) env(session *types.Session) Env {
	loc := rt.loc
	if session.Profile.TimeZone != "" {
		if l, err := time.LoadLocation(session.Profile.TimeZone); err == nil {
			loc = l
		}
	}
	return Env{
		SessionID: session.ID,
		Now:       rt.now(),
		Location:  loc,
		Profile:   session.Profile,
	}
}

// awaitingAnswer reports whether the agent's last word was a question the
// user might answer with a bare yes or no. Fixed replies and the summary
// that closes a confirmed operation are not open questions.
func awaitingAnswer(session *types.Session) bool {
	for i := len(session.Turns) - 1; i >= 0; i-- {
		t := session.Turns[i]
		if t.Role != types.RoleAgent {
			continue
		}
		text := strings.TrimSpace(t.Content)
		switch text {
		case ConfirmPrompt, NothingToConfirmReply, FallbackReply:
			return false
		}
		if !strings.HasSuffix(text, "?") {
			return false
		}
		return !closesConfirmation(session.Turns[:i])
	}
	return false
}

// closesConfirmation reports whether the turns since the last user message
// include the execution of a confirmed operation.
func closesConfirmation(turns []*types.Turn) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role == types.RoleUser {
			return false
		}
		if t.Tool != nil && strings.HasPrefix(t.Tool.CallID, confirmCallPrefix) {
			return true
		}
	}
	return false
}

func mergeProfile(cur, in types.Profile) types.Profile {
	if in.Name != "" {
		cur.Name = in.Name
	}
	if in.Email != "" {
		cur.Email = in.Email
	}
	if in.TimeZone != "" {
		cur.TimeZone = in.TimeZone
	}
	return cur
}

// canonical renders raw JSON with sorted keys so equal arguments compare
// equal regardless of formatting.
func canonical(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	b, _ := json.Marshal(v)
	return string(b)
}
