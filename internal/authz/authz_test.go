package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gatehouse/internal/policy"
	"gatehouse/pkg/metrics"
	"gatehouse/pkg/problems"
)

type roleMap struct {
	mu    sync.Mutex
	roles map[string][]string
	err   error
}

func (m *roleMap) RolesFor(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.roles[id], nil
}

func (m *roleMap) set(id string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = roles
}

func newChecker(t *testing.T, src RoleSource, engine policy.Engine) *Checker {
	t.Helper()
	return New(src, engine, nil, zaptest.NewLogger(t).Sugar())
}

func TestLatticeIsStrictlyContained(t *testing.T) {
	t.Parallel()
	roles := Roles()
	for i := 1; i < len(roles); i++ {
		lower, higher := Permissions(roles[i-1]), Permissions(roles[i])
		assert.Subset(t, higher, lower, "%s must contain %s", roles[i], roles[i-1])
		assert.Greater(t, len(higher), len(lower), "%s must add grants over %s", roles[i], roles[i-1])
	}
	assert.Empty(t, Permissions("Superuser"))
	assert.False(t, Known("Superuser"))
	assert.True(t, Known(TeamManager))
}

func TestTeamManagerInheritsStandardGrants(t *testing.T) {
	t.Parallel()
	assert.NotContains(t, lattice[TeamManager].grants, ToolsAdd)
	c := newChecker(t, &roleMap{roles: map[string][]string{"tm": {TeamManager}}}, nil)
	assert.NoError(t, c.Check(context.Background(), "tm", ToolsAdd))
	assert.NoError(t, c.Check(context.Background(), "tm", ConfigAdvanced))
	assert.ErrorIs(t, c.Check(context.Background(), "tm", RolesAssign), problems.ErrPermissionDenied)
}

func TestCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &roleMap{roles: map[string][]string{
		"viewer": {Viewer},
		"mixed":  {"Ghost", Viewer, Power},
	}}
	c := newChecker(t, src, nil)

	assert.NoError(t, c.Check(ctx, "viewer", ToolsInvoke))
	assert.NoError(t, c.Check(ctx, "mixed", ConfigAdvanced), "unknown roles are ignored")

	err := c.Check(ctx, "viewer", ToolsAdd)
	require.ErrorIs(t, err, problems.ErrPermissionDenied)
	var pe *problems.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ToolsAdd, pe.Field("permission"))

	// no roles is a denial, not an error of another kind
	assert.ErrorIs(t, c.Check(ctx, "nobody", ToolsList), problems.ErrPermissionDenied)
	assert.ErrorIs(t, c.Check(ctx, "", ToolsList), problems.ErrPermissionDenied)
}

func TestRevocationTakesEffectImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &roleMap{roles: map[string][]string{"u1": {Admin}}}
	c := newChecker(t, src, nil)
	require.True(t, c.Allowed(ctx, "u1", SystemConfig))
	src.set("u1", Viewer)
	assert.False(t, c.Allowed(ctx, "u1", SystemConfig))
}

func TestLookupFailureDenies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := metrics.New()
	c := New(&roleMap{err: errors.New("db down")}, nil, m, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, c.Check(ctx, "u1", ToolsList), problems.ErrPermissionDenied)
	assert.ErrorIs(t, c.CheckContext(ctx, "u1", ToolsList, nil), problems.ErrPermissionDenied)
	n, err := testutil.GatherAndCount(m.Registry(), "gatehouse_authz_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both denials land in one series")
}

type failingEngine struct{}

func (failingEngine) Evaluate(context.Context, policy.Input) (policy.Outcome, error) {
	return policy.Outcome{}, errors.New("policy backend broken")
}

func TestCheckContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rules, err := policy.NewRules(append(policy.DefaultRules(), policy.Rule{
		Name: "frozen", Permission: "*", When: "org_frozen", Deny: true, Reason: "frozen",
	}))
	require.NoError(t, err)
	src := &roleMap{roles: map[string][]string{
		"std":   {Standard},
		"power": {Power},
		"tm":    {TeamManager},
	}}
	c := newChecker(t, src, rules)

	cases := []struct {
		name    string
		id      string
		perm    string
		ctx     map[string]any
		missing string
	}{
		{"plain write", "std", ConfigWrite, map[string]any{"touches_advanced": false}, ""},
		{"advanced write by standard", "std", ConfigWrite, map[string]any{"touches_advanced": true}, ConfigAdvanced},
		{"advanced write by power", "power", ConfigWrite, map[string]any{"touches_advanced": true}, ""},
		{"quota reached by standard", "std", ToolsAdd, map[string]any{"tenant_module_count": 10}, ToolsUnlimited},
		{"under quota", "std", ToolsAdd, map[string]any{"tenant_module_count": 9}, ""},
		{"other identity by power", "power", ToolsAdd, map[string]any{"target_identity": "u9"}, TeamManage},
		{"other identity by team manager", "tm", ToolsAdd, map[string]any{"target_identity": "u9"}, ""},
		{"own identity", "std", ToolsAdd, map[string]any{"target_identity": "std"}, ""},
		{"denied outright", "tm", ToolsList, map[string]any{"org_frozen": true}, ToolsList},
		{"simple check still applies", "std", SystemSetup, nil, SystemSetup},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.CheckContext(ctx, tc.id, tc.perm, tc.ctx)
			if tc.missing == "" {
				assert.NoError(t, err)
				return
			}
			var pe *problems.Error
			require.True(t, errors.As(err, &pe), "want denial, got %v", err)
			assert.Equal(t, tc.missing, pe.Field("permission"))
		})
	}

	broken := newChecker(t, src, failingEngine{})
	assert.ErrorIs(t, broken.CheckContext(ctx, "tm", ToolsList, nil), problems.ErrPermissionDenied)
}

func TestPermissionsListing(t *testing.T) {
	t.Parallel()
	c := newChecker(t, &roleMap{roles: map[string][]string{"u1": {Standard}}}, nil)
	roles, perms, err := c.Permissions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{Standard}, roles)
	assert.ElementsMatch(t, Permissions(Standard), perms)
}
