package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/user/calclaw/internal/types"
)

// MemoryStore keeps sessions in process memory. Sessions live until
// Sweep removes them or the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*types.Session
	locks    *lockMap
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[types.SessionID]*types.Session),
		locks:    newLockMap(),
	}
}

func (m *MemoryStore) lookup(id types.SessionID) *types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *MemoryStore) GetOrCreate(_ context.Context, id types.SessionID) (*types.Session, error) {
	id, err := resolveID(id)
	if err != nil {
		return nil, err
	}
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if sess := m.lookup(id); sess != nil {
		return copySession(sess), nil
	}

	t := now()
	sess := &types.Session{ID: id, CreatedAt: t, UpdatedAt: t}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return copySession(sess), nil
}

func (m *MemoryStore) Append(_ context.Context, id types.SessionID, turn *types.Turn) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.lookup(id)
	if sess == nil {
		return notFound("append", id)
	}
	stamp(turn, int64(len(sess.Turns))+1)
	stored := *turn
	sess.Turns = append(sess.Turns, &stored)
	sess.UpdatedAt = now()
	return nil
}

func (m *MemoryStore) GetPendingConfirmation(_ context.Context, id types.SessionID) (*types.PendingConfirmation, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.lookup(id)
	if sess == nil || sess.Pending == nil {
		return nil, nil
	}
	p := *sess.Pending
	return &p, nil
}

func (m *MemoryStore) SetPendingConfirmation(_ context.Context, id types.SessionID, pending *types.PendingConfirmation) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.lookup(id)
	if sess == nil {
		return notFound("set_pending", id)
	}
	p := *pending
	sess.Pending = &p
	sess.UpdatedAt = now()
	return nil
}

func (m *MemoryStore) ClearPendingConfirmation(_ context.Context, id types.SessionID) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if sess := m.lookup(id); sess != nil {
		sess.Pending = nil
		sess.UpdatedAt = now()
	}
	return nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id types.SessionID, profile types.Profile) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.lookup(id)
	if sess == nil {
		return notFound("update_profile", id)
	}
	sess.Profile = profile
	sess.UpdatedAt = now()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*types.SessionInfo, error) {
	m.mu.RLock()
	ids := make([]types.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	infos := make([]*types.SessionInfo, 0, len(ids))
	for _, id := range ids {
		lock := m.locks.get(id)
		lock.Lock()
		if sess := m.lookup(id); sess != nil {
			infos = append(infos, infoOf(sess))
		}
		lock.Unlock()
	}
	sortInfos(infos)
	return infos, nil
}

func (m *MemoryStore) Delete(_ context.Context, id types.SessionID) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.locks.drop(id)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if !info.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := m.Delete(ctx, info.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// copySession returns a copy that shares the immutable turns but not the
// slice or the pending confirmation.
func copySession(s *types.Session) *types.Session {
	out := *s
	out.Turns = append([]*types.Turn(nil), s.Turns...)
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return &out
}

func infoOf(s *types.Session) *types.SessionInfo {
	return &types.SessionInfo{
		ID:        s.ID,
		TurnCount: int64(len(s.Turns)),
		Pending:   s.Pending != nil,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// sortInfos orders by most recently updated first.
func sortInfos(infos []*types.SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}
