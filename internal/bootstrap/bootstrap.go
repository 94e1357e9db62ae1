// Package bootstrap brings the store from nothing to a serving state.
//
//	NO_STORE -> EMPTY_STORE -> UNCONFIGURED -> CONFIGURED -> RUNNING
//
// The controller only ever moves forward. Migration and key-material
// failures are fatal to Start; the process must not serve traffic on a
// partial schema or with a key that cannot open the store.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatehouse/internal/capability"
	"gatehouse/internal/store"
	"gatehouse/pkg/config"
	"gatehouse/pkg/db"
	"gatehouse/pkg/problems"
)

type State int

const (
	NoStore State = iota
	EmptyStore
	Unconfigured
	Configured
	Running
)

func (s State) String() string {
	switch s {
	case NoStore:
		return "NO_STORE"
	case EmptyStore:
		return "EMPTY_STORE"
	case Unconfigured:
		return "UNCONFIGURED"
	case Configured:
		return "CONFIGURED"
	case Running:
		return "RUNNING"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SetupCompleted is the config_store flag set by CompleteSetup.
const SetupCompleted = "system.setup_completed"

// SetupStep is reported to callers blocked by an unfinished setup.
const SetupStep = "complete_setup"

type Options struct {
	Driver       string
	StorePath    string
	DatabaseURL  string
	KeyFile      string
	LegacyFile   string
	LegacyPrefix string
	CacheTTL     time.Duration
	Now          func() time.Time
}

func OptionsFrom(cfg config.Config) Options {
	return Options{
		Driver:       cfg.StoreDriver,
		StorePath:    cfg.StorePath,
		DatabaseURL:  cfg.DatabaseURL,
		KeyFile:      cfg.KeyFile,
		LegacyFile:   cfg.LegacyConfigFile,
		LegacyPrefix: cfg.LegacyImportPrefix,
		CacheTTL:     cfg.ConfigCacheTTL,
	}
}

type Controller struct {
	opts     Options
	registry *capability.Registry
	log      *zap.SugaredLogger
	now      func() time.Time

	mu    sync.RWMutex
	state State
	db    *db.DB
	store *store.Store
}

func New(opts Options, registry *capability.Registry, log *zap.SugaredLogger) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts, registry: registry, log: log, now: opts.Now, state: NoStore}
}

// Start drives the store forward until it is at least UNCONFIGURED and returns
// the ready store. An UNCONFIGURED store gets the one-time legacy import.
// Running Start again on a started store is a no-op.
func (c *Controller) Start(ctx context.Context) (*store.Store, error) {
	st, err := c.start(ctx)
	if err != nil {
		return nil, err
	}
	if c.Peek() == Unconfigured {
		if _, err := c.ImportLegacy(ctx); err != nil {
			c.log.Warnw("legacy import failed", "file", c.opts.LegacyFile, "err", err)
		}
	}
	return st, nil
}

func (c *Controller) start(ctx context.Context) (*store.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}

	c.state = c.detectBacking()
	if c.state == NoStore {
		c.log.Infow("no store found, creating", "path", c.opts.StorePath)
	}
	d, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.db = d
	if c.state == NoStore {
		c.advance(EmptyStore)
	}

	current, ok, err := store.SchemaVersion(ctx, d)
	if err != nil {
		return nil, c.fail(problems.SchemaMigrationFailed(err))
	}
	latest, err := store.LatestVersion(d)
	if err != nil {
		return nil, c.fail(problems.SchemaMigrationFailed(err))
	}
	if !ok || current < latest {
		v, err := store.Migrate(ctx, d)
		if err != nil {
			return nil, c.fail(err)
		}
		c.log.Infow("schema migrated", "from", current, "to", v)
	}

	st := store.New(d, c.registry, c.log, store.Options{CacheTTL: c.opts.CacheTTL, Now: c.opts.Now})
	sl, generated, err := loadOrCreateKey(ctx, st, c.opts.KeyFile)
	if err != nil {
		return nil, c.fail(err)
	}
	if generated {
		c.log.Warnw("generated new key material; back it up, losing it makes every sensitive value unreadable",
			"key_file", c.opts.KeyFile)
	}
	st.UseSealer(sl)
	c.store = st

	done, err := c.setupDone(ctx)
	if err != nil {
		return nil, c.fail(err)
	}
	if done {
		c.advance(Configured)
	} else {
		c.advance(Unconfigured)
	}
	return st, nil
}

func (c *Controller) detectBacking() State {
	if db.Dialect(c.opts.Driver) == db.Postgres {
		// the server owns the database; an empty one is EMPTY_STORE
		return EmptyStore
	}
	if _, err := os.Stat(c.opts.StorePath); errors.Is(err, os.ErrNotExist) {
		return NoStore
	}
	return EmptyStore
}

func (c *Controller) open(ctx context.Context) (*db.DB, error) {
	if db.Dialect(c.opts.Driver) == db.Postgres {
		return db.OpenPostgres(ctx, c.opts.DatabaseURL, c.log)
	}
	return db.OpenSQLite(ctx, c.opts.StorePath, c.log)
}

func (c *Controller) fail(err error) error {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
	return err
}

// advance moves the state forward; it never goes back.
func (c *Controller) advance(to State) {
	if to <= c.state {
		return
	}
	c.log.Infow("bootstrap state", "from", c.state, "to", to)
	c.state = to
}

func (c *Controller) setupDone(ctx context.Context) (bool, error) {
	v, ok, err := c.store.Get(ctx, SetupCompleted)
	if err != nil || !ok {
		return false, err
	}
	b, _ := strconv.ParseBool(v)
	return b, nil
}

// State reports the lifecycle state. Reading a CONFIGURED controller moves it
// to RUNNING. An UNCONFIGURED controller rechecks the setup flag so a setup
// finished on another replica is picked up once the config cache refreshes.
func (c *Controller) State(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unconfigured && c.store != nil {
		if done, err := c.setupDone(ctx); err == nil && done {
			c.advance(Configured)
		}
	}
	if c.state == Configured {
		c.advance(Running)
	}
	return c.state
}

// Peek reports the state without triggering transitions.
func (c *Controller) Peek() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Require fails with NotBootstrapped unless setup is complete.
func (c *Controller) Require(ctx context.Context) error {
	if c.State(ctx) < Configured {
		return problems.NotBootstrapped(SetupStep)
	}
	return nil
}

// CompleteSetup sets the setup flag and moves the controller to CONFIGURED.
func (c *Controller) CompleteSetup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return problems.NotBootstrapped("start")
	}
	if c.state >= Configured {
		return nil
	}
	if err := c.store.Set(ctx, SetupCompleted, "true", false); err != nil {
		return fmt.Errorf("bootstrap: complete setup: %w", err)
	}
	c.advance(Configured)
	return nil
}

func (c *Controller) Store() *store.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
