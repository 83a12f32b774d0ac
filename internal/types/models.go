package types

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Turn is one immutable message unit in a session.
type Turn struct {
	ID      TurnID      `json:"id"`
	Seq     int64       `json:"seq"`
	Role    Role        `json:"role"`
	Content string      `json:"content,omitempty"`
	Tool    *ToolRecord `json:"tool,omitempty"`
	At      time.Time   `json:"at"`
}

// ToolRecord captures a single tool execution: the call the model made and
// what came back.
type ToolRecord struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ToolError      `json:"error,omitempty"`
}

// ToolError is the structured error a tool turn carries back to the model.
type ToolError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// PendingConfirmation holds a destructive operation proposed by the model
// that has not yet been confirmed by the user.
type PendingConfirmation struct {
	ID        ConfirmationID  `json:"id"`
	Operation string          `json:"operation"`
	Arguments json.RawMessage `json:"arguments"`
	CreatedAt time.Time       `json:"created_at"`
}

// Profile is what the caller told us about the person on the other end of
// the session. All fields are optional.
type Profile struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
}

// Session is a conversation: ordered turns plus confirmation state.
type Session struct {
	ID        SessionID            `json:"session_id"`
	Turns     []*Turn              `json:"turns"`
	Pending   *PendingConfirmation `json:"pending,omitempty"`
	Profile   Profile              `json:"profile"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// SessionInfo is the summary row returned by SessionStore.List.
type SessionInfo struct {
	ID        SessionID `json:"session_id"`
	TurnCount int64     `json:"turn_count"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundMessage is what a chat transport hands to the gateway.
type InboundMessage struct {
	Source    string    `json:"source"`
	SessionID SessionID `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Profile   *Profile  `json:"profile,omitempty"`
}
