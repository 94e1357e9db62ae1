// Package session binds opaque session ids to authenticated identities.
//
// The binding table is in memory only. One mutex guards both the map and the
// LRU list because expiry, eviction and access bookkeeping all mutate them.
package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatehouse/pkg/metrics"
	"gatehouse/pkg/problems"
)

// Binding is one session-to-identity association.
type Binding struct {
	SessionID    string    `json:"session_id"`
	IdentityID   string    `json:"identity_id"`
	BoundAt      time.Time `json:"bound_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

type Options struct {
	TTL          time.Duration
	ReapInterval time.Duration
	Capacity     int
	Now          func() time.Time
	Metrics      *metrics.Metrics
}

type Manager struct {
	opts Options
	log  *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed
}

func New(opts Options, log *zap.SugaredLogger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Hour
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, log: log, entries: map[string]*list.Element{}, lru: list.New()}
}

// NewID returns a fresh opaque session id.
func NewID() string { return uuid.NewString() }

// Bind associates sessionID with identityID for ttl (the default when zero).
// Rebinding to the same identity refreshes the expiry. A live binding to a
// different identity is never overwritten; callers must Unbind first.
func (m *Manager) Bind(sessionID, identityID string, ttl time.Duration) (Binding, error) {
	if sessionID == "" || identityID == "" {
		return Binding{}, problems.InvalidInput("session and identity ids are required")
	}
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[sessionID]; ok {
		b := el.Value.(*Binding)
		switch {
		case now.After(b.ExpiresAt):
			m.removeLocked(el, "expired")
		case b.IdentityID != identityID:
			return Binding{}, problems.SessionAlreadyBound()
		default:
			b.ExpiresAt = now.Add(ttl)
			b.LastAccessed = now
			m.lru.MoveToFront(el)
			return *b, nil
		}
	}

	for len(m.entries) >= m.opts.Capacity {
		m.removeLocked(m.lru.Back(), "capacity")
	}
	b := &Binding{SessionID: sessionID, IdentityID: identityID, BoundAt: now, ExpiresAt: now.Add(ttl), LastAccessed: now}
	m.entries[sessionID] = m.lru.PushFront(b)
	m.opts.Metrics.SetActiveSessions(len(m.entries))
	return *b, nil
}

// Resolve returns the identity bound to sessionID. Expired bindings are
// removed on read.
func (m *Manager) Resolve(sessionID string) (string, bool) {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[sessionID]
	if !ok {
		return "", false
	}
	b := el.Value.(*Binding)
	if now.After(b.ExpiresAt) {
		m.removeLocked(el, "expired")
		return "", false
	}
	b.LastAccessed = now
	b.AccessCount++
	m.lru.MoveToFront(el)
	return b.IdentityID, true
}

// Get returns a copy of the binding without touching access bookkeeping.
func (m *Manager) Get(sessionID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[sessionID]
	if !ok {
		return Binding{}, false
	}
	return *el.Value.(*Binding), true
}

func (m *Manager) Unbind(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[sessionID]
	if !ok {
		return false
	}
	m.removeLocked(el, "logout")
	return true
}

// UnbindIdentity drops every session of one identity.
func (m *Manager) UnbindIdentity(identityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Binding).IdentityID == identityID {
			m.removeLocked(el, "logout")
			n++
		}
		el = next
	}
	return n
}

// Reap removes every expired binding and returns how many were dropped.
func (m *Manager) Reap() int {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.lru.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*Binding).ExpiresAt) {
			m.removeLocked(el, "expired")
			n++
		}
		el = next
	}
	return n
}

// Run reaps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Reap(); n > 0 {
				m.log.Infow("sessions reaped", "count", n, "remaining", m.Len())
			}
		}
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) removeLocked(el *list.Element, reason string) {
	b := m.lru.Remove(el).(*Binding)
	delete(m.entries, b.SessionID)
	m.opts.Metrics.SessionEvicted(reason, 1)
	m.opts.Metrics.SetActiveSessions(len(m.entries))
}
