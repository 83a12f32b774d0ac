package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/user/calclaw/internal/types"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "calclaw:"

// RedisStore keeps sessions in Redis:
//
//	<prefix>session:<id>  session header JSON (pending, profile, timestamps)
//	<prefix>turns:<id>    list of turn JSON, oldest first
//	<prefix>sessions      sorted set of ids scored by last update
//
// Keys expire after ttl without writes. Writes are serialized per session
// within this process.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	locks  *lockMap
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client. A zero ttl disables
// expiry.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, locks: newLockMap()}
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) metaKey(id types.SessionID) string  { return r.prefix + "session:" + string(id) }
func (r *RedisStore) turnsKey(id types.SessionID) string { return r.prefix + "turns:" + string(id) }
func (r *RedisStore) indexKey() string                   { return r.prefix + "sessions" }

func (r *RedisStore) loadMeta(ctx context.Context, id types.SessionID) (*sessionMeta, error) {
	data, err := r.client.Get(ctx, r.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	var meta sessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return &meta, nil
}

// saveMeta writes the header, refreshes expiry on both keys and bumps the
// index score.
func (r *RedisStore) saveMeta(ctx context.Context, meta *sessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.metaKey(meta.ID), data, r.ttl)
		if r.ttl > 0 {
			p.Expire(ctx, r.turnsKey(meta.ID), r.ttl)
		}
		p.ZAdd(ctx, r.indexKey(), &redis.Z{Score: float64(meta.UpdatedAt.UnixMilli()), Member: string(meta.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return nil
}

func (r *RedisStore) GetOrCreate(ctx context.Context, id types.SessionID) (*types.Session, error) {
	id, err := resolveID(id)
	if err != nil {
		return nil, err
	}
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return nil, storeErr("get_or_create", err)
	}
	if meta == nil {
		t := now()
		meta = &sessionMeta{ID: id, CreatedAt: t, UpdatedAt: t}
		if err := r.saveMeta(ctx, meta); err != nil {
			return nil, storeErr("get_or_create", err)
		}
	}

	raw, err := r.client.LRange(ctx, r.turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, storeErr("get_or_create", fmt.Errorf("load turns: %w", err))
	}
	turns := make([]*types.Turn, 0, len(raw))
	for _, item := range raw {
		var turn types.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, storeErr("get_or_create", fmt.Errorf("unmarshal turn: %w", err))
		}
		turns = append(turns, &turn)
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

func (r *RedisStore) Append(ctx context.Context, id types.SessionID, turn *types.Turn) error {
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return storeErr("append", err)
	}
	if meta == nil {
		return notFound("append", id)
	}

	n, err := r.client.LLen(ctx, r.turnsKey(id)).Result()
	if err != nil {
		return storeErr("append", fmt.Errorf("count turns: %w", err))
	}
	stamp(turn, n+1)
	data, err := json.Marshal(turn)
	if err != nil {
		return storeErr("append", fmt.Errorf("marshal turn: %w", err))
	}
	if err := r.client.RPush(ctx, r.turnsKey(id), data).Err(); err != nil {
		return storeErr("append", fmt.Errorf("push turn: %w", err))
	}

	meta.UpdatedAt = now()
	if err := r.saveMeta(ctx, meta); err != nil {
		return storeErr("append", err)
	}
	return nil
}

func (r *RedisStore) updateMeta(ctx context.Context, op string, id types.SessionID, mustExist bool, fn func(*sessionMeta)) error {
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, id)
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
	if err := r.saveMeta(ctx, meta); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (r *RedisStore) GetPendingConfirmation(ctx context.Context, id types.SessionID) (*types.PendingConfirmation, error) {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return nil, storeErr("get_pending", err)
	}
	if meta == nil {
		return nil, nil
	}
	return meta.Pending, nil
}

func (r *RedisStore) SetPendingConfirmation(ctx context.Context, id types.SessionID, pending *types.PendingConfirmation) error {
	p := *pending
	return r.updateMeta(ctx, "set_pending", id, true, func(m *sessionMeta) { m.Pending = &p })
}

func (r *RedisStore) ClearPendingConfirmation(ctx context.Context, id types.SessionID) error {
	return r.updateMeta(ctx, "clear_pending", id, false, func(m *sessionMeta) { m.Pending = nil })
}

func (r *RedisStore) UpdateProfile(ctx context.Context, id types.SessionID, profile types.Profile) error {
	return r.updateMeta(ctx, "update_profile", id, true, func(m *sessionMeta) { m.Profile = profile })
}

func (r *RedisStore) List(ctx context.Context) ([]*types.SessionInfo, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list", fmt.Errorf("read index: %w", err))
	}

	infos := make([]*types.SessionInfo, 0, len(ids))
	var stale []interface{}
	for _, raw := range ids {
		id := types.SessionID(raw)
		meta, err := r.loadMeta(ctx, id)
		if err != nil {
			return nil, storeErr("list", err)
		}
		if meta == nil {
			// expired by TTL; index entry is left over
			stale = append(stale, raw)
			continue
		}
		count, err := r.client.LLen(ctx, r.turnsKey(id)).Result()
		if err != nil {
			return nil, storeErr("list", fmt.Errorf("count turns: %w", err))
		}
		infos = append(infos, &types.SessionInfo{
			ID:        meta.ID,
			TurnCount: count,
			Pending:   meta.Pending != nil,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
		})
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, r.indexKey(), stale...)
	}
	sortInfos(infos)
	return infos, nil
}

func (r *RedisStore) Delete(ctx context.Context, id types.SessionID) error {
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.metaKey(id), r.turnsKey(id))
		p.ZRem(ctx, r.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return storeErr("delete", err)
	}
	r.locks.drop(id)
	return nil
}

// Sweep removes sessions whose index score is older than olderThan. Redis
// expiry usually gets there first; Sweep also clears the index.
func (r *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	max := strconv.FormatInt(olderThan.UnixMilli()-1, 10)
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, storeErr("sweep", fmt.Errorf("read index: %w", err))
	}
	for i, raw := range ids {
		if err := r.Delete(ctx, types.SessionID(raw)); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
