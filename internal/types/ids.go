package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type RunID string
type TurnID string
type ConfirmationID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewConfirmationID() ConfirmationID {
	return ConfirmationID(uuid.New().String())
}

// sessionNamespace seeds deterministic session ids for chat platforms that
// identify conversations by their own keys.
var sessionNamespace = uuid.MustParse("6f1c7a0e-3b9d-4c55-9a8e-2d4f0b7c1e93")

// SessionIDFor derives a stable SessionID from platform-specific parts, so
// e.g. a Telegram chat always maps to the same session.
func SessionIDFor(parts ...string) SessionID {
	key := strings.Join(parts, ":")
	return SessionID(uuid.NewSHA1(sessionNamespace, []byte(key)).String())
}

// Valid reports whether id is an acceptable opaque session identifier.
func (id SessionID) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
