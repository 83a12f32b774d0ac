package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/user/calclaw/internal/types"
)

// sessionRow is the sessions table.
type sessionRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	Pending   string `gorm:"type:text"`
	Profile   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (sessionRow) TableName() string { return "calclaw_sessions" }

// turnRow is the turns table. (session_id, seq) is unique so two writers
// can never assign the same position.
type turnRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:128;uniqueIndex:idx_turn_session_seq"`
	Seq       int64  `gorm:"uniqueIndex:idx_turn_session_seq"`
	Role      string `gorm:"size:16"`
	Content   string `gorm:"type:text"`
	Tool      string `gorm:"type:text"`
	At        time.Time
}

func (turnRow) TableName() string { return "calclaw_turns" }

// SQLStore keeps sessions in a SQL database through gorm.
type SQLStore struct {
	db    *gorm.DB
	locks *lockMap
}

// OpenSQL opens a database by driver name ("sqlite" or "mysql") and
// migrates the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open database and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&sessionRow{}, &turnRow{}); err != nil {
		return nil, fmt.Errorf("migrate session tables: %w", err)
	}
	return &SQLStore{db: db, locks: newLockMap()}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) loadRow(ctx context.Context, id types.SessionID) (*sessionRow, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &row, nil
}

func (s *SQLStore) GetOrCreate(ctx context.Context, id types.SessionID) (*types.Session, error) {
	id, err := resolveID(id)
	if err != nil {
		return nil, err
	}
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	row, err := s.loadRow(ctx, id)
	if err != nil {
		return nil, storeErr("get_or_create", err)
	}
	if row == nil {
		t := now()
		row = &sessionRow{ID: string(id), CreatedAt: t, UpdatedAt: t}
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return nil, storeErr("get_or_create", fmt.Errorf("create session: %w", err))
		}
	}

	var rows []turnRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", string(id)).Order("seq").Find(&rows).Error; err != nil {
		return nil, storeErr("get_or_create", fmt.Errorf("load turns: %w", err))
	}

	sess, err := row.toSession()
	if err != nil {
		return nil, storeErr("get_or_create", err)
	}
	for _, tr := range rows {
		turn, err := tr.toTurn()
		if err != nil {
			return nil, storeErr("get_or_create", err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	return sess, nil
}

func (s *SQLStore) Append(ctx context.Context, id types.SessionID, turn *types.Turn) error {
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("session not found: %s", id)
		}

		var maxSeq int64
		if err := tx.Model(&turnRow{}).Where("session_id = ?", string(id)).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		stamp(turn, maxSeq+1)

		row, err := fromTurn(id, turn)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return tx.Model(&sessionRow{}).Where("id = ?", string(id)).Update("updated_at", now()).Error
	})
	if err != nil {
		return storeErr("append", err)
	}
	return nil
}

func (s *SQLStore) GetPendingConfirmation(ctx context.Context, id types.SessionID) (*types.PendingConfirmation, error) {
	row, err := s.loadRow(ctx, id)
	if err != nil {
		return nil, storeErr("get_pending", err)
	}
	if row == nil || row.Pending == "" {
		return nil, nil
	}
	var p types.PendingConfirmation
	if err := json.Unmarshal([]byte(row.Pending), &p); err != nil {
		return nil, storeErr("get_pending", fmt.Errorf("unmarshal pending: %w", err))
	}
	return &p, nil
}

// updateColumns sets columns on an existing session row.
func (s *SQLStore) updateColumns(ctx context.Context, op string, id types.SessionID, mustExist bool, cols map[string]any) error {
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	cols["updated_at"] = now()
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", string(id)).Updates(cols)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 && mustExist {
		return notFound(op, id)
	}
	return nil
}

func (s *SQLStore) SetPendingConfirmation(ctx context.Context, id types.SessionID, pending *types.PendingConfirmation) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return storeErr("set_pending", fmt.Errorf("marshal pending: %w", err))
	}
	return s.updateColumns(ctx, "set_pending", id, true, map[string]any{"pending": string(data)})
}

func (s *SQLStore) ClearPendingConfirmation(ctx context.Context, id types.SessionID) error {
	return s.updateColumns(ctx, "clear_pending", id, false, map[string]any{"pending": ""})
}

func (s *SQLStore) UpdateProfile(ctx context.Context, id types.SessionID, profile types.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return storeErr("update_profile", fmt.Errorf("marshal profile: %w", err))
	}
	return s.updateColumns(ctx, "update_profile", id, true, map[string]any{"profile": string(data)})
}

func (s *SQLStore) List(ctx context.Context) ([]*types.SessionInfo, error) {
	var rows []struct {
		ID        string
		Pending   string
		CreatedAt time.Time
		UpdatedAt time.Time
		TurnCount int64
	}
	err := s.db.WithContext(ctx).
		Table("calclaw_sessions AS s").
		Select("s.id, s.pending, s.created_at, s.updated_at, COUNT(t.id) AS turn_count").
		Joins("LEFT JOIN calclaw_turns t ON t.session_id = s.id").
		Group("s.id, s.pending, s.created_at, s.updated_at").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("list", err)
	}

	infos := make([]*types.SessionInfo, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, &types.SessionInfo{
			ID:        types.SessionID(r.ID),
			TurnCount: r.TurnCount,
			Pending:   r.Pending != "",
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	sortInfos(infos)
	return infos, nil
}

func (s *SQLStore) Delete(ctx context.Context, id types.SessionID) error {
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", string(id)).Delete(&turnRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", string(id)).Delete(&sessionRow{}).Error
	})
	if err != nil {
		return storeErr("delete", err)
	}
	s.locks.drop(id)
	return nil
}

func (s *SQLStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("updated_at < ?", olderThan).Pluck("id", &ids).Error; err != nil {
		return 0, storeErr("sweep", err)
	}
	for i, id := range ids {
		if err := s.Delete(ctx, types.SessionID(id)); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (r *sessionRow) toSession() (*types.Session, error) {
	sess := &types.Session{
		ID:        types.SessionID(r.ID),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.Pending != "" {
		var p types.PendingConfirmation
		if err := json.Unmarshal([]byte(r.Pending), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pending: %w", err)
		}
		sess.Pending = &p
	}
	if r.Profile != "" {
		if err := json.Unmarshal([]byte(r.Profile), &sess.Profile); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
	}
	return sess, nil
}

func fromTurn(id types.SessionID, t *types.Turn) (*turnRow, error) {
	row := &turnRow{
		ID:        string(t.ID),
		SessionID: string(id),
		Seq:       t.Seq,
		Role:      string(t.Role),
		Content:   t.Content,
		At:        t.At,
	}
	if t.Tool != nil {
		data, err := json.Marshal(t.Tool)
		if err != nil {
			return nil, fmt.Errorf("marshal tool record: %w", err)
		}
		row.Tool = string(data)
	}
	return row, nil
}

func (r turnRow) toTurn() (*types.Turn, error) {
	t := &types.Turn{
		ID:      types.TurnID(r.ID),
		Seq:     r.Seq,
		Role:    types.Role(r.Role),
		Content: r.Content,
		At:      r.At.UTC(),
	}
	if r.Tool != "" {
		var rec types.ToolRecord
		if err := json.Unmarshal([]byte(r.Tool), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal tool record: %w", err)
		}
		t.Tool = &rec
	}
	return t, nil
}
