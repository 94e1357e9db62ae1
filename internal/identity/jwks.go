package identity

import (
	"context"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySource yields the key set tokens are verified against.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// StaticKeys serves a fixed key set.
type StaticKeys struct{ Set jwk.Set }

func (s StaticKeys) KeySet(context.Context) (jwk.Set, error) { return s.Set, nil }

// RemoteKeys fetches a JWKS document and keeps it for ttl.
type RemoteKeys struct {
	url string
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	set     jwk.Set
	expires time.Time
}

func NewRemoteKeys(url string, ttl time.Duration) *RemoteKeys {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RemoteKeys{url: url, ttl: ttl, now: time.Now}
}

func (c *RemoteKeys) KeySet(ctx context.Context) (jwk.Set, error) {
	c.mu.RLock()
	if c.set != nil && c.now().Before(c.expires) {
		defer c.mu.RUnlock()
		return c.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set != nil && c.now().Before(c.expires) {
		return c.set, nil
	}
	set, err := jwk.Fetch(ctx, c.url)
	if err != nil {
		if c.set != nil {
			// serve the last good set while the provider is down
			return c.set, nil
		}
		return nil, err
	}
	c.set, c.expires = set, c.now().Add(c.ttl)
	return set, nil
}
