// Package store is the encrypted configuration store. It owns every persisted
// row: the system key-value table, per-tenant module bindings and
// configuration, identities and role assignments.
//
// Values flagged sensitive are sealed before they reach the database. The
// sealing key lives outside the store; if it is lost every sensitive row is
// permanently unreadable and reads report DecryptionFailed for those keys.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatehouse/internal/capability"
	"gatehouse/internal/seal"
	"gatehouse/pkg/db"
	"gatehouse/pkg/problems"
)

type Options struct {
	// CacheTTL bounds how long config_store reads are served from memory.
	CacheTTL time.Duration
	Now      func() time.Time
}

// ChangeFunc observes tenant-level changes (config writes, binding toggles,
// archival). module is empty when every module of the identity is affected.
type ChangeFunc func(ctx context.Context, identityID, module string)

type Store struct {
	db       *db.DB
	registry *capability.Registry
	log      *zap.SugaredLogger
	ttl      time.Duration
	now      func() time.Time

	sealMu sync.RWMutex
	sealer *seal.Sealer

	cacheMu  sync.RWMutex
	cache    map[string]cached
	cacheGen uint64
	loadedAt time.Time

	obsMu     sync.RWMutex
	observers []ChangeFunc
}

type cached struct {
	value     string
	sensitive bool
	err       error
}

func New(d *db.DB, registry *capability.Registry, log *zap.SugaredLogger, opts Options) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: d, registry: registry, log: log, ttl: opts.CacheTTL, now: opts.Now}
}

// UseSealer installs the key used for sensitive values. Until it is called
// sensitive reads and writes fail with KeyMaterialLost.
func (s *Store) UseSealer(sl *seal.Sealer) {
	s.sealMu.Lock()
	s.sealer = sl
	s.sealMu.Unlock()
	s.invalidateCache()
}

func (s *Store) sealerOrErr() (*seal.Sealer, error) {
	s.sealMu.RLock()
	defer s.sealMu.RUnlock()
	if s.sealer == nil {
		return nil, problems.KeyMaterialLost("no key material loaded")
	}
	return s.sealer, nil
}

// OnChange registers fn to be called after tenant-level mutations commit.
func (s *Store) OnChange(fn ChangeFunc) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) notify(ctx context.Context, identityID, module string) {
	s.obsMu.RLock()
	obs := append([]ChangeFunc(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, fn := range obs {
		fn(ctx, identityID, module)
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *db.DB { return s.db }

func systemAAD(key string) []byte { return []byte("system/" + key) }

// Get returns a system value. The whole table is cached and refreshed once
// the cache is older than the TTL.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	c, ok := snap[key]
	if !ok {
		return "", false, nil
	}
	if c.err != nil {
		return "", true, c.err
	}
	return c.value, true, nil
}

// Set writes a system value, sealing it when sensitive is true.
func (s *Store) Set(ctx context.Context, key, value string, sensitive bool) error {
	if key == "" {
		return problems.InvalidInput("key is required")
	}
	stored := value
	if sensitive {
		sl, err := s.sealerOrErr()
		if err != nil {
			return err
		}
		if stored, err = sl.Seal([]byte(value), systemAAD(key)); err != nil {
			return fmt.Errorf("store: seal %s: %w", key, err)
		}
	}
	q := s.db.Rebind(`INSERT INTO config_store (key, value, is_encrypted, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, is_encrypted = excluded.is_encrypted, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, key, stored, boolInt(sensitive), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	s.invalidateCache()
	return nil
}

// SetIfAbsent writes key only when no row exists. It reports whether the
// value was written.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	q := s.db.Rebind(`INSERT INTO config_store (key, value, is_encrypted, updated_at) VALUES (?, ?, 0, ?)
ON CONFLICT (key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, key, value, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: set %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidateCache()
	}
	return n > 0, nil
}

// Reload drops the cache and reads config_store again.
func (s *Store) Reload(ctx context.Context) error {
	s.invalidateCache()
	_, err := s.snapshot(ctx)
	return err
}

// invalidateCache drops the cached table and bumps the generation so a load
// that started before a write cannot install stale rows afterwards.
func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheGen++
	s.cache = nil
	s.cacheMu.Unlock()
}

// snapshot returns the cached table, loading it when missing or expired. The
// returned map is never mutated.
func (s *Store) snapshot(ctx context.Context) (map[string]cached, error) {
	s.cacheMu.RLock()
	cur, gen := s.cache, s.cacheGen
	fresh := cur != nil && s.now().Sub(s.loadedAt) < s.ttl
	s.cacheMu.RUnlock()
	if fresh {
		return cur, nil
	}
	next, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.install(gen, next)
	return next, nil
}

// install replaces the cache with next unless a write happened since gen was
// read.
func (s *Store) install(gen uint64, next map[string]cached) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheGen != gen {
		return false
	}
	s.cache = next
	s.loadedAt = s.now()
	return true
}

func (s *Store) generation() uint64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cacheGen
}

func (s *Store) load(ctx context.Context) (map[string]cached, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, is_encrypted FROM config_store`)
	if err != nil {
		return nil, fmt.Errorf("store: load config: %w", err)
	}
	defer rows.Close()
	next := map[string]cached{}
	for rows.Next() {
		var (
			k, v string
			enc  int
		)
		if err := rows.Scan(&k, &v, &enc); err != nil {
			return nil, fmt.Errorf("store: scan config: %w", err)
		}
		c := cached{value: v, sensitive: enc != 0}
		if c.sensitive {
			c.value, c.err = s.open(v, systemAAD(k), k)
		}
		next[k] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load config: %w", err)
	}
	return next, nil
}

func (s *Store) open(ciphertext string, aad []byte, key string) (string, error) {
	sl, err := s.sealerOrErr()
	if err != nil {
		return "", problems.DecryptionFailed(key)
	}
	plain, err := sl.Open(ciphertext, aad)
	if err != nil {
		s.log.Warnw("sensitive value unreadable", "key", key, "err", err)
		return "", problems.DecryptionFailed(key)
	}
	return string(plain), nil
}

// CountEncrypted counts sealed rows across both config tables.
func (s *Store) CountEncrypted(ctx context.Context) (int, error) {
	var a, b int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM config_store WHERE is_encrypted = 1`).Scan(&a); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenant_module_config WHERE is_encrypted = 1`).Scan(&b); err != nil {
		return 0, err
	}
	return a + b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
