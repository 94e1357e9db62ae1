package mount

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus carries invalidations between replicas over Redis pub/sub. Each
// replica tags its messages with an origin and skips its own.
type Bus struct {
	rdb     *redis.Client
	channel string
	origin  string
	log     *zap.SugaredLogger
}

type invalidation struct {
	Identity string `json:"identity"`
	Module   string `json:"module,omitempty"`
	Origin   string `json:"origin"`
}

func NewBus(rdb *redis.Client, channel string, log *zap.SugaredLogger) *Bus {
	return &Bus{rdb: rdb, channel: channel, origin: uuid.NewString(), log: log}
}

func (b *Bus) Origin() string { return b.origin }

func (b *Bus) Publish(ctx context.Context, identityID, module string) error {
	raw, err := json.Marshal(invalidation{Identity: identityID, Module: module, Origin: b.origin})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Listen subscribes and calls fn for every invalidation from another replica
// until ctx is done or stop is called. It returns once the subscription is
// confirmed.
func (b *Bus) Listen(ctx context.Context, fn func(identityID, module string)) (stop func(), err error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("mount: subscribe %s: %w", b.channel, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var in invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil || in.Identity == "" {
					b.log.Warnw("dropping malformed invalidation", "channel", msg.Channel)
					continue
				}
				if in.Origin == b.origin {
					continue
				}
				fn(in.Identity, in.Module)
			}
		}
	}()
	return func() {
		cancel()
		_ = sub.Close()
		<-done
	}, nil
}
