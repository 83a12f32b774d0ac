package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/calclaw/internal/types"
)

// FileStore keeps each session in its own directory under
// <root>/sessions/<id>/: meta.json for the mutable header and
// turns.jsonl for the append-only turn log.
type FileStore struct {
	root  string
	locks *lockMap
}

// sessionMeta is the meta.json record: the session without its turns.
type sessionMeta struct {
	ID        types.SessionID            `json:"session_id"`
	Pending   *types.PendingConfirmation `json:"pending,omitempty"`
	Profile   types.Profile              `json:"profile"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewFileStore creates a file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root, locks: newLockMap()}
}

func (f *FileStore) sessionsDir() string {
	return filepath.Join(f.root, "sessions")
}

func (f *FileStore) sessionDir(id types.SessionID) string {
	return filepath.Join(f.root, "sessions", string(id))
}

func (f *FileStore) metaPath(id types.SessionID) string {
	return filepath.Join(f.sessionDir(id), "meta.json")
}

func (f *FileStore) turnsPath(id types.SessionID) string {
	return filepath.Join(f.sessionDir(id), "turns.jsonl")
}

// loadMeta reads meta.json. It returns nil, nil when the session does not
// exist. Caller must hold the session lock.
func (f *FileStore) loadMeta(id types.SessionID) (*sessionMeta, error) {
	if !validID(id) {
		return nil, nil
	}
	data, err := os.ReadFile(f.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session meta: %w", err)
	}
	var meta sessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return &meta, nil
}

// saveMeta writes meta.json atomically. Caller must hold the session lock.
func (f *FileStore) saveMeta(meta *sessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	if err := os.MkdirAll(f.sessionDir(meta.ID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	path := f.metaPath(meta.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp meta: %w", err)
	}
	return nil
}

// loadTurns reads the turn log. Caller must hold the session lock.
func (f *FileStore) loadTurns(id types.SessionID) ([]*types.Turn, error) {
	file, err := os.Open(f.turnsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open turns file: %w", err)
	}
	defer file.Close()

	var turns []*types.Turn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var turn types.Turn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan turns file: %w", err)
	}
	return turns, nil
}

// countTurns counts lines in the turn log. Caller must hold the session lock.
func (f *FileStore) countTurns(id types.SessionID) (int64, error) {
	file, err := os.Open(f.turnsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open turns file: %w", err)
	}
	defer file.Close()

	var count int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan turns file: %w", err)
	}
	return count, nil
}

func (f *FileStore) GetOrCreate(_ context.Context, id types.SessionID) (*types.Session, error) {
	id, err := resolveID(id)
	if err != nil {
		return nil, err
	}
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := f.loadMeta(id)
	if err != nil {
		return nil, storeErr("get_or_create", err)
	}
	if meta == nil {
		t := now()
		meta = &sessionMeta{ID: id, CreatedAt: t, UpdatedAt: t}
		if err := f.saveMeta(meta); err != nil {
			return nil, storeErr("get_or_create", err)
		}
	}

	turns, err := f.loadTurns(id)
	if err != nil {
		return nil, storeErr("get_or_create", err)
	}
	return &types.Session{
		ID:        meta.ID,
		Turns:     turns,
		Pending:   meta.Pending,
		Profile:   meta.Profile,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}, nil
}

func (f *FileStore) Append(_ context.Context, id types.SessionID, turn *types.Turn) error {
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := f.loadMeta(id)
	if err != nil {
		return storeErr("append", err)
	}
	if meta == nil {
		return notFound("append", id)
	}

	existing, err := f.countTurns(id)
	if err != nil {
		return storeErr("append", err)
	}
	stamp(turn, existing+1)

	data, err := json.Marshal(turn)
	if err != nil {
		return storeErr("append", fmt.Errorf("marshal turn: %w", err))
	}
	file, err := os.OpenFile(f.turnsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return storeErr("append", fmt.Errorf("open turns file: %w", err))
	}
	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		file.Close()
		return storeErr("append", fmt.Errorf("write turn: %w", err))
	}
	if err := file.Close(); err != nil {
		return storeErr("append", fmt.Errorf("close turns file: %w", err))
	}

	meta.UpdatedAt = now()
	if err := f.saveMeta(meta); err != nil {
		return storeErr("append", err)
	}
	return nil
}

// updateMeta applies fn to an existing session's meta and saves it.
func (f *FileStore) updateMeta(op string, id types.SessionID, mustExist bool, fn func(*sessionMeta)) error {
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := f.loadMeta(id)
	if err != nil {
		return storeErr(op, err)
	}
	if meta == nil {
		if mustExist {
			return notFound(op, id)
		}
		return nil
	}
	fn(meta)
	meta.UpdatedAt = now()
	if err := f.saveMeta(meta); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (f *FileStore) GetPendingConfirmation(_ context.Context, id types.SessionID) (*types.PendingConfirmation, error) {
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := f.loadMeta(id)
	if err != nil {
		return nil, storeErr("get_pending", err)
	}
	if meta == nil {
		return nil, nil
	}
	return meta.Pending, nil
}

func (f *FileStore) SetPendingConfirmation(_ context.Context, id types.SessionID, pending *types.PendingConfirmation) error {
	p := *pending
	return f.updateMeta("set_pending", id, true, func(m *sessionMeta) { m.Pending = &p })
}

func (f *FileStore) ClearPendingConfirmation(_ context.Context, id types.SessionID) error {
	return f.updateMeta("clear_pending", id, false, func(m *sessionMeta) { m.Pending = nil })
}

func (f *FileStore) UpdateProfile(_ context.Context, id types.SessionID, profile types.Profile) error {
	return f.updateMeta("update_profile", id, true, func(m *sessionMeta) { m.Profile = profile })
}

func (f *FileStore) List(_ context.Context) ([]*types.SessionInfo, error) {
	entries, err := os.ReadDir(f.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErr("list", fmt.Errorf("read sessions dir: %w", err))
	}

	infos := make([]*types.SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := types.SessionID(entry.Name())
		info, err := f.info(id)
		if err != nil {
			return nil, storeErr("list", err)
		}
		if info != nil {
			infos = append(infos, info)
		}
	}
	sortInfos(infos)
	return infos, nil
}

func (f *FileStore) info(id types.SessionID) (*types.SessionInfo, error) {
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := f.loadMeta(id)
	if err != nil || meta == nil {
		return nil, err
	}
	count, err := f.countTurns(id)
	if err != nil {
		return nil, err
	}
	return &types.SessionInfo{
		ID:        meta.ID,
		TurnCount: count,
		Pending:   meta.Pending != nil,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}, nil
}

func (f *FileStore) Delete(_ context.Context, id types.SessionID) error {
	if !validID(id) {
		return nil
	}
	lock := f.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(f.sessionDir(id)); err != nil {
		return storeErr("delete", fmt.Errorf("remove session dir: %w", err))
	}
	f.locks.drop(id)
	return nil
}

func (f *FileStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	infos, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if !info.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := f.Delete(ctx, info.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
