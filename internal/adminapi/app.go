package adminapi

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gatehouse/internal/authz"
	"gatehouse/internal/bootstrap"
	"gatehouse/internal/capability"
	"gatehouse/internal/policy"
	"gatehouse/internal/store"
)

// Sessions is the part of the session manager the admin surface uses.
type Sessions interface {
	UnbindIdentity(identityID string) int
}

// Deps holds what the admin handlers need. Every field except Policy is
// required.
type Deps struct {
	Log         *zap.SugaredLogger
	Bootstrap   *bootstrap.Controller
	Store       *store.Store
	Registry    *capability.Registry
	Authz       *authz.Checker
	Sessions    Sessions
	Policy      policy.Engine
	CORSOrigins []string
}

// App is the admin application container. Handlers are methods on it.
type App struct {
	log         *zap.SugaredLogger
	boot        *bootstrap.Controller
	store       *store.Store
	registry    *capability.Registry
	authz       *authz.Checker
	sessions    Sessions
	policy      policy.Engine
	validate    *validator.Validate
	allowed     []string
	compileRego func(ctx context.Context, code string) (policy.Engine, error)
}

func New(d Deps) *App {
	return &App{
		log:      d.Log,
		boot:     d.Bootstrap,
		store:    d.Store,
		registry: d.Registry,
		authz:    d.Authz,
		sessions: d.Sessions,
		policy:   d.Policy,
		validate: capability.NewValidator(),
		allowed:  d.CORSOrigins,
		compileRego: func(ctx context.Context, code string) (policy.Engine, error) {
			return policy.NewRego(ctx, code)
		},
	}
}
