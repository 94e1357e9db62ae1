// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gatehouse/internal/adminapi"
	"gatehouse/internal/authz"
	"gatehouse/internal/bootstrap"
	"gatehouse/internal/capability"
	"gatehouse/internal/gateway"
	"gatehouse/internal/identity"
	"gatehouse/internal/manifest"
	"gatehouse/internal/modules"
	"gatehouse/internal/mount"
	"gatehouse/internal/policy"
	"gatehouse/internal/session"
	"gatehouse/pkg/config"
	"gatehouse/pkg/db"
	"gatehouse/pkg/logger"
	"gatehouse/pkg/metrics"
	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	problems.SetBase(cfg.BasePublicURL)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := capability.NewRegistry(log, modules.Builtin()...)
	boot := bootstrap.New(bootstrap.OptionsFrom(cfg), registry, log)
	st, err := boot.Start(ctx)
	if err != nil {
		log.Fatalw("bootstrap", "err", err)
	}
	log.Infow("store ready", "state", boot.Peek(), "modules", registry.Names())

	idp := identity.NewJWT(identity.NewRemoteKeys(cfg.JWKSURL, cfg.JWKSRefresh), identity.JWTOptions{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Skew:     cfg.ClockSkew,
	})
	if cfg.JWKSURL == "" {
		log.Warnw("JWKS_URL not set, every bearer credential will be rejected")
	}

	sessions := session.New(session.Options{
		TTL:          cfg.SessionTTL,
		ReapInterval: cfg.SessionReapInterval,
		Capacity:     cfg.SessionCapacity,
		Metrics:      m,
	}, log)
	go sessions.Run(ctx)

	engine := mount.New(registry, st, mount.Options{
		TTL:                cfg.MountTTL,
		SweepInterval:      cfg.MountSweepInterval,
		InstantiateTimeout: cfg.InstantiateTimeout,
		Metrics:            m,
	}, log)
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		defer rdb.Close()
		engine.UseBus(mount.NewBus(rdb, cfg.InvalidationChannel, log))
	}
	st.OnChange(engine.Invalidate)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("mount engine stopped", "err", err)
		}
	}()

	chain, err := loadPolicy(ctx, cfg)
	if err != nil {
		log.Fatalw("policy", "err", err)
	}
	checker := authz.New(st, chain, m, log)

	srv := gateway.New(gateway.Deps{
		Config:    cfg,
		Log:       log,
		Metrics:   m,
		Bootstrap: boot,
		Store:     st,
		Registry:  registry,
		Identity:  idp,
		Sessions:  sessions,
		Authz:     checker,
		Mounts:    engine,
		Manifest:  manifest.NewService(registry, st, engine, cfg.BasePublicURL, "1"),
		Admin: adminapi.New(adminapi.Deps{
			Log:         log,
			Bootstrap:   boot,
			Store:       st,
			Registry:    registry,
			Authz:       checker,
			Sessions:    sessions,
			Policy:      chain,
			CORSOrigins: cfg.AdminCORSOrigins,
		}),
	})

	hs := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}
	go func() {
		log.Infow("gatehouse listening", "addr", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = hs.Shutdown(sctx)
	_ = engine.Close()
	_ = middleware.ShutdownTracing(sctx)
	_ = boot.Close()
	fmt.Println("gatehouse stopped")
}

// loadPolicy builds the rule chain: the rules file (or the built-in rules)
// followed by an optional Rego module.
func loadPolicy(ctx context.Context, cfg config.Config) (policy.Chain, error) {
	ruleSet := policy.DefaultRules()
	if cfg.PolicyRulesFile != "" {
		loaded, err := policy.LoadRules(cfg.PolicyRulesFile)
		if err != nil {
			return nil, err
		}
		ruleSet = loaded
	}
	rules, err := policy.NewRules(ruleSet)
	if err != nil {
		return nil, err
	}
	chain := policy.Chain{rules}
	if cfg.PolicyRegoFile != "" {
		r, err := policy.LoadRego(ctx, cfg.PolicyRegoFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	return chain, nil
}
