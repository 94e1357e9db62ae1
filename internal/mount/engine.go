// Package mount keeps live capability-module instances per (identity, module)
// pair and rebuilds them when they expire or their configuration changes.
//
// The engine owns every handle it creates. Modules never see the engine;
// all invalidation starts here.
package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gatehouse/internal/capability"
	"gatehouse/internal/store"
	"gatehouse/pkg/metrics"
	"gatehouse/pkg/problems"
)

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("mount: engine closed")

// maxRebuilds bounds how often one resolution restarts because the binding
// was invalidated while it was instantiating.
const maxRebuilds = 3

// Source is the slice of the config store the engine reads.
type Source interface {
	GetBinding(ctx context.Context, identityID, module string) (store.Binding, bool, error)
	GetTenantConfig(ctx context.Context, identityID, module string) (store.TenantConfig, error)
}

type Options struct {
	TTL                time.Duration
	SweepInterval      time.Duration
	InstantiateTimeout time.Duration
	Now                func() time.Time
	Metrics            *metrics.Metrics
}

// Mount is a live handle bound to one identity.
type Mount struct {
	IdentityID string            `json:"identity_id"`
	Module     string            `json:"module"`
	MountedAt  time.Time         `json:"mounted_at"`
	Handle     capability.Handle `json:"-"`
}

type key struct{ identity, module string }

func (k key) String() string { return k.identity + "\x00" + k.module }

type entry struct {
	Mount
	module capability.Module
}

type Engine struct {
	registry *capability.Registry
	source   Source
	opts     Options
	log      *zap.SugaredLogger
	tracer   trace.Tracer
	group    singleflight.Group

	mu       sync.Mutex
	entries  map[key]*entry
	gens     map[key]uint64
	idGens   map[string]uint64
	closed   bool
	bus      *Bus
	inflight sync.WaitGroup
}

func New(registry *capability.Registry, source Source, opts Options, log *zap.SugaredLogger) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.InstantiateTimeout <= 0 {
		opts.InstantiateTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		registry: registry,
		source:   source,
		opts:     opts,
		log:      log,
		tracer:   otel.Tracer("gatehouse/mount"),
		entries:  map[key]*entry{},
		gens:     map[key]uint64{},
		idGens:   map[string]uint64{},
	}
}

// UseBus makes local invalidations visible to other replicas. Call before Run.
func (e *Engine) UseBus(b *Bus) {
	e.mu.Lock()
	e.bus = b
	e.mu.Unlock()
}

// Resolve returns the live handle for identityID's module, instantiating it
// when there is none or the cached one is older than the TTL. Concurrent
// first resolutions of one pair share a single instantiation.
func (e *Engine) Resolve(ctx context.Context, identityID, module string) (Mount, error) {
	ctx, span := e.tracer.Start(ctx, "mount.resolve", trace.WithAttributes(attribute.String("gatehouse.module", module)))
	defer span.End()

	m, err := e.resolve(ctx, identityID, module)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return m, err
}

func (e *Engine) resolve(ctx context.Context, identityID, module string) (Mount, error) {
	if identityID == "" {
		return Mount{}, problems.InvalidInput("identity is required")
	}
	mod, ok := e.registry.Lookup(module)
	if !ok {
		e.opts.Metrics.MountResolved("unknown")
		return Mount{}, problems.UnknownModule(module)
	}
	k := key{identityID, module}

	if m, ok, err := e.fresh(k); err != nil {
		return Mount{}, err
	} else if ok {
		e.opts.Metrics.MountResolved("hit")
		return m, nil
	}

	// the build outlives a cancelled caller so the winner still lands in the
	// cache for whoever is waiting on it
	ch := e.group.DoChan(k.String(), func() (any, error) {
		return e.build(context.WithoutCancel(ctx), k, mod)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			e.opts.Metrics.MountResolved(resultLabel(res.Err))
			return Mount{}, res.Err
		}
		e.opts.Metrics.MountResolved("built")
		return res.Val.(Mount), nil
	case <-ctx.Done():
		e.opts.Metrics.MountResolved("cancelled")
		return Mount{}, ctx.Err()
	}
}

// fresh returns the cached mount when it is within the TTL.
func (e *Engine) fresh(k key) (Mount, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Mount{}, false, ErrClosed
	}
	ent, ok := e.entries[k]
	if !ok || e.opts.Now().Sub(ent.MountedAt) >= e.opts.TTL {
		return Mount{}, false, nil
	}
	return ent.Mount, true, nil
}

func (e *Engine) generation(k key) uint64 {
	return e.gens[k] + e.idGens[k.identity]
}

func (e *Engine) build(ctx context.Context, k key, mod capability.Module) (Mount, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Mount{}, ErrClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	for attempt := 0; attempt < maxRebuilds; attempt++ {
		// another caller may have finished a build between our fast path and
		// joining the flight group
		if m, ok, err := e.fresh(k); err != nil || ok {
			return m, err
		}
		e.evict(k, "stale")

		e.mu.Lock()
		gen := e.generation(k)
		e.mu.Unlock()

		h, err := e.instantiate(ctx, k, mod)
		if err != nil {
			return Mount{}, err
		}

		e.mu.Lock()
		if e.closed || e.generation(k) != gen {
			closed := e.closed
			e.mu.Unlock()
			e.shutdown(k, mod, h, "superseded")
			if closed {
				return Mount{}, ErrClosed
			}
			e.log.Infow("configuration changed during start, rebuilding", "identity", k.identity, "module", k.module)
			continue
		}
		ent := &entry{
			Mount:  Mount{IdentityID: k.identity, Module: k.module, MountedAt: e.opts.Now(), Handle: h},
			module: mod,
		}
		prev := e.entries[k]
		e.entries[k] = ent
		n := len(e.entries)
		e.mu.Unlock()

		e.opts.Metrics.SetActiveMounts(n)
		if prev != nil {
			e.shutdown(k, prev.module, prev.Handle, "replaced")
		}
		e.log.Infow("module mounted", "identity", k.identity, "module", k.module)
		return ent.Mount, nil
	}
	return Mount{}, problems.InstantiationFailed(k.module, errors.New("configuration kept changing during start"))
}

// instantiate loads the binding and configuration and starts the module under
// its start timeout. Nothing is cached here.
func (e *Engine) instantiate(ctx context.Context, k key, mod capability.Module) (capability.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "mount.instantiate", trace.WithAttributes(attribute.String("gatehouse.module", k.module)))
	defer span.End()

	b, ok, err := e.source.GetBinding(ctx, k.identity, k.module)
	if err != nil {
		return nil, err
	}
	if !ok || !b.Enabled {
		return nil, problems.ModuleNotEnabled(k.module)
	}

	desc := mod.Descriptor()
	tc, err := e.source.GetTenantConfig(ctx, k.identity, k.module)
	if err != nil {
		if !errors.Is(err, problems.ErrDecryptionFailed) {
			return nil, err
		}
		for _, u := range tc.Unreadable {
			if f, _ := desc.Field(u); f.Required {
				return nil, err
			}
		}
		e.log.Warnw("starting module without unreadable optional keys",
			"identity", k.identity, "module", k.module, "keys", tc.Unreadable)
	}
	cfg := capability.WithDefaults(desc, tc.Map())

	timeout := desc.StartTimeout
	if timeout <= 0 {
		timeout = e.opts.InstantiateTimeout
	}
	start := time.Now()
	h, err := e.startWithTimeout(ctx, mod, cfg, timeout, k)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		e.opts.Metrics.Instantiated(k.module, "ok", elapsed)
		return h, nil
	case errors.Is(err, problems.ErrInstantiationTimeout):
		e.opts.Metrics.Instantiated(k.module, "timeout", elapsed)
	default:
		e.opts.Metrics.Instantiated(k.module, "error", elapsed)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.log.Warnw("module start failed", "identity", k.identity, "module", k.module, "elapsed", elapsed, "err", err)
	return nil, err
}

type started struct {
	h   capability.Handle
	err error
}

// startWithTimeout returns when Instantiate does or the timeout fires,
// whichever is first. A handle that arrives after the timeout is shut down.
func (e *Engine) startWithTimeout(ctx context.Context, mod capability.Module, cfg capability.Config, timeout time.Duration, k key) (capability.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan started, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- started{err: fmt.Errorf("instantiate panicked: %v", r)}
			}
		}()
		h, err := mod.Instantiate(ctx, cfg)
		done <- started{h, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil && !errors.Is(res.err, problems.ErrModuleInstantiationFailed) {
				return nil, problems.InstantiationTimeout(k.module)
			}
			if errors.Is(res.err, problems.ErrModuleInstantiationFailed) {
				return nil, res.err
			}
			return nil, problems.InstantiationFailed(k.module, res.err)
		}
		if res.h == nil {
			return nil, problems.InstantiationFailed(k.module, errors.New("instantiate returned no handle"))
		}
		return res.h, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && res.h != nil {
				e.shutdown(k, mod, res.h, "late start")
			}
		}()
		return nil, problems.InstantiationTimeout(k.module)
	}
}

// Invalidate drops the mount for one pair and tells other replicas. An empty
// module drops every mount of the identity.
func (e *Engine) Invalidate(ctx context.Context, identityID, module string) {
	e.invalidateLocal(identityID, module)
	e.mu.Lock()
	bus := e.bus
	e.mu.Unlock()
	if bus != nil {
		if err := bus.Publish(ctx, identityID, module); err != nil {
			e.log.Warnw("invalidation publish failed", "identity", identityID, "module", module, "err", err)
		}
	}
}

// InvalidateIdentity drops every mount of identityID.
func (e *Engine) InvalidateIdentity(ctx context.Context, identityID string) {
	e.Invalidate(ctx, identityID, "")
}

func (e *Engine) invalidateLocal(identityID, module string) {
	var victims []*entry
	e.mu.Lock()
	if module == "" {
		e.idGens[identityID]++
		for k, ent := range e.entries {
			if k.identity == identityID {
				victims = append(victims, ent)
				delete(e.entries, k)
			}
		}
	} else {
		k := key{identityID, module}
		e.gens[k]++
		if ent, ok := e.entries[k]; ok {
			victims = append(victims, ent)
			delete(e.entries, k)
		}
	}
	n := len(e.entries)
	e.mu.Unlock()

	e.opts.Metrics.SetActiveMounts(n)
	for _, ent := range victims {
		e.shutdown(key{ent.IdentityID, ent.Module}, ent.module, ent.Handle, "invalidated")
	}
}

// evict removes k's cached entry, if any, and shuts it down.
func (e *Engine) evict(k key, reason string) {
	e.mu.Lock()
	ent, ok := e.entries[k]
	if ok {
		delete(e.entries, k)
	}
	n := len(e.entries)
	e.mu.Unlock()
	if ok {
		e.opts.Metrics.SetActiveMounts(n)
		e.shutdown(k, ent.module, ent.Handle, reason)
	}
}

// Sweep shuts down every mount older than the TTL and reports how many.
func (e *Engine) Sweep() int {
	now := e.opts.Now()
	var victims []*entry
	e.mu.Lock()
	for k, ent := range e.entries {
		if now.Sub(ent.MountedAt) >= e.opts.TTL {
			victims = append(victims, ent)
			delete(e.entries, k)
		}
	}
	n := len(e.entries)
	e.mu.Unlock()

	e.opts.Metrics.SetActiveMounts(n)
	for _, ent := range victims {
		e.shutdown(key{ent.IdentityID, ent.Module}, ent.module, ent.Handle, "expired")
	}
	return len(victims)
}

// Run sweeps on an interval and, with a bus, applies remote invalidations.
// It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	bus := e.bus
	e.mu.Unlock()
	if bus != nil {
		stop, err := bus.Listen(ctx, e.invalidateLocal)
		if err != nil {
			return err
		}
		defer stop()
	}

	t := time.NewTicker(e.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := e.Sweep(); n > 0 {
				e.log.Debugw("expired mounts swept", "count", n)
			}
		}
	}
}

// Mounted lists identityID's live mounts.
func (e *Engine) Mounted(identityID string) []Mount {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Mount
	for k, ent := range e.entries {
		if k.identity == identityID {
			out = append(out, ent.Mount)
		}
	}
	return out
}

// MountedModules is the set of module names live for identityID.
func (e *Engine) MountedModules(identityID string) map[string]bool {
	out := map[string]bool{}
	for _, m := range e.Mounted(identityID) {
		out[m.Module] = true
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Close shuts down every live mount and waits for in-flight starts. Resolve
// fails with ErrClosed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	victims := e.entries
	e.entries = map[key]*entry{}
	e.mu.Unlock()

	for k, ent := range victims {
		e.shutdown(k, ent.module, ent.Handle, "closing")
	}
	e.inflight.Wait()
	e.opts.Metrics.SetActiveMounts(0)
	return nil
}

func (e *Engine) shutdown(k key, mod capability.Module, h capability.Handle, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("module shutdown panicked", "identity", k.identity, "module", k.module, "panic", r)
		}
	}()
	if err := mod.Shutdown(h); err != nil {
		e.log.Warnw("module shutdown failed", "identity", k.identity, "module", k.module, "reason", reason, "err", err)
		return
	}
	e.log.Debugw("module unmounted", "identity", k.identity, "module", k.module, "reason", reason)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, problems.ErrModuleNotEnabled):
		return "not_enabled"
	case errors.Is(err, problems.ErrInstantiationTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "error"
}
