package authz

import "sort"

// Predefined roles, lowest first. Each role holds everything the role
// below it holds.
const (
	Viewer      = "Viewer"
	Standard    = "Standard"
	Power       = "Power"
	TeamManager = "TeamManager"
	Admin       = "Admin"
)

// Permission strings checked by the gateway.
const (
	ToolsList      = "tools:list"
	ToolsInvoke    = "tools:invoke"
	ToolsAdd       = "tools:add"
	ToolsRemove    = "tools:remove"
	ToolsUnlimited = "tools:unlimited"
	ConfigRead     = "config:read"
	ConfigWrite    = "config:write"
	ConfigAdvanced = "config:advanced"
	UsersRead      = "users:read"
	UsersArchive   = "users:archive"
	TeamManage     = "team:manage"
	RolesAssign    = "roles:assign"
	SystemSetup    = "system:setup"
	SystemConfig   = "system:config"
)

type role struct {
	inherits string
	grants   []string
}

// lattice lists only the grants a role adds over the one it inherits.
var lattice = map[string]role{
	Viewer:      {grants: []string{ToolsList, ToolsInvoke, ConfigRead}},
	Standard:    {inherits: Viewer, grants: []string{ToolsAdd, ToolsRemove, ConfigWrite}},
	Power:       {inherits: Standard, grants: []string{ConfigAdvanced, ToolsUnlimited}},
	TeamManager: {inherits: Power, grants: []string{UsersRead, TeamManage}},
	Admin:       {inherits: TeamManager, grants: []string{RolesAssign, SystemSetup, SystemConfig, UsersArchive}},
}

// Roles returns the predefined role names, lowest first.
func Roles() []string { return []string{Viewer, Standard, Power, TeamManager, Admin} }

// Known reports whether name is a predefined role.
func Known(name string) bool {
	_, ok := lattice[name]
	return ok
}

// Permissions returns every permission a role holds, inherited ones included.
// Unknown roles hold nothing.
func Permissions(name string) []string {
	set := map[string]bool{}
	collect(name, set)
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collect(name string, into map[string]bool) {
	for seen := map[string]bool{}; name != "" && !seen[name]; {
		seen[name] = true
		r, ok := lattice[name]
		if !ok {
			return
		}
		for _, p := range r.grants {
			into[p] = true
		}
		name = r.inherits
	}
}

// union is the permission set of every role in names.
func union(names []string) map[string]bool {
	set := map[string]bool{}
	for _, n := range names {
		collect(n, set)
	}
	return set
}
