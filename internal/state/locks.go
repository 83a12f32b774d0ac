package state

import (
	"fmt"
	"sync"

	"github.com/user/calclaw/internal/types"
)

// lockMap hands out one mutex per session so writes to a session are
// serialized while different sessions proceed in parallel.
type lockMap struct {
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[types.SessionID]*sync.Mutex)}
}

// get returns the per-session mutex, creating one if it doesn't exist.
func (l *lockMap) get(id types.SessionID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[id] = lock
	return lock
}

// drop forgets the mutex of a removed session.
func (l *lockMap) drop(id types.SessionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
}

func storeErr(op string, err error) error {
	return types.Wrap(types.KindSessionStore, "state."+op, err)
}

func notFound(op string, id types.SessionID) error {
	return types.Wrap(types.KindSessionStore, "state."+op, fmt.Errorf("session not found: %s", id))
}

// resolveID returns id, or a fresh one when id is empty.
func resolveID(id types.SessionID) (types.SessionID, error) {
	if id == "" {
		return types.NewSessionID(), nil
	}
	if !validID(id) {
		return "", types.Errorf(types.KindValidation, "state.get_or_create", "invalid session id %q", id)
	}
	return id, nil
}

// validID accepts UUID session ids only; they double as file names and
// cache keys.
func validID(id types.SessionID) bool {
	return id.Valid()
}

// stamp fills in the store-owned fields of a turn.
func stamp(turn *types.Turn, seq int64) {
	turn.Seq = seq
	if turn.ID == "" {
		turn.ID = types.NewTurnID()
	}
	if turn.At.IsZero() {
		turn.At = now()
	}
}
