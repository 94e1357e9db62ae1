// Package modules is the fixed namespace of capability modules compiled into
// the gateway. Adding a module means adding it to Builtin.
package modules

import (
	"gatehouse/internal/capability"
)

// Builtin returns every module shipped with the gateway, in registration order.
func Builtin() []capability.Module {
	return []capability.Module{
		Echo{},
		NewHTTPAPI(nil),
	}
}
