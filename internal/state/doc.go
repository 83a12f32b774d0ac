// Package state provides SessionStore implementations: in-memory, JSON
// files, Redis and SQL (SQLite or MySQL through gorm).
package state

import "github.com/user/calclaw/internal/types"

// Compile-time interface compliance checks.
var (
	_ types.SessionStore = (*MemoryStore)(nil)
	_ types.SessionStore = (*FileStore)(nil)
	_ types.SessionStore = (*RedisStore)(nil)
	_ types.SessionStore = (*SQLStore)(nil)
)
