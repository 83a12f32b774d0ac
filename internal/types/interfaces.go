package types

import (
	"context"
	"time"
)

// SessionStore owns session history and pending-confirmation state.
// Operations on one SessionID are linearized; distinct sessions are
// independent.
type SessionStore interface {
	// GetOrCreate loads a session, creating it when id is empty (fresh id)
	// or unknown (created under the supplied id).
	GetOrCreate(ctx context.Context, id SessionID) (*Session, error)
	Append(ctx context.Context, id SessionID, turn *Turn) error
	GetPendingConfirmation(ctx context.Context, id SessionID) (*PendingConfirmation, error)
	SetPendingConfirmation(ctx context.Context, id SessionID, pending *PendingConfirmation) error
	ClearPendingConfirmation(ctx context.Context, id SessionID) error
	UpdateProfile(ctx context.Context, id SessionID, profile Profile) error
	List(ctx context.Context) ([]*SessionInfo, error)
	Delete(ctx context.Context, id SessionID) error
	// Sweep removes sessions not updated since olderThan and reports how
	// many were dropped.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}
