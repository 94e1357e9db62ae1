// Package problems defines the gateway's error taxonomy and renders it as
// RFC 7807 problem documents at the HTTP boundary.
package problems

import (
	"fmt"
	"sort"
	"strings"
)

// Kind names a class of failure. Callers match kinds with errors.Is against
// the exported sentinels rather than comparing messages.
type Kind string

const (
	KindNotBootstrapped           Kind = "not-bootstrapped"
	KindSchemaMigrationFailed     Kind = "schema-migration-failed"
	KindKeyMaterialLost           Kind = "key-material-lost"
	KindDecryptionFailed          Kind = "decryption-failed"
	KindModuleNotEnabled          Kind = "module-not-enabled"
	KindModuleInstantiationFailed Kind = "module-instantiation-failed"
	KindBadConfiguration          Kind = "bad-configuration"
	KindDependencyUnavailable     Kind = "dependency-unavailable"
	KindInstantiationTimeout      Kind = "instantiation-timeout"
	KindSessionAlreadyBound       Kind = "session-already-bound"
	KindPermissionDenied          Kind = "permission-denied"
	KindInvalidCredential         Kind = "invalid-credential"
	KindUnknownModule             Kind = "unknown-module"
	KindInvalidInput              Kind = "invalid-input"
	KindNotFound                  Kind = "not-found"
	KindRateLimited               Kind = "rate-limited"
)

// parents records kinds that are refinements of a broader kind.
var parents = map[Kind]Kind{
	KindBadConfiguration:      KindModuleInstantiationFailed,
	KindDependencyUnavailable: KindModuleInstantiationFailed,
}

// Error is the structured error carried through the gateway.
// Fields hold the actionable detail (missing permission, module name,
// setup step, unreadable keys) that the HTTP boundary passes to callers.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind or of a parent kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	for k := e.Kind; k != ""; k = parents[k] {
		if k == t.Kind {
			return true
		}
	}
	return false
}

// Field returns a single actionable field, or "".
func (e *Error) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// Sentinels for errors.Is matching.
var (
	ErrNotBootstrapped           = &Error{Kind: KindNotBootstrapped}
	ErrSchemaMigrationFailed     = &Error{Kind: KindSchemaMigrationFailed}
	ErrKeyMaterialLost           = &Error{Kind: KindKeyMaterialLost}
	ErrDecryptionFailed          = &Error{Kind: KindDecryptionFailed}
	ErrModuleNotEnabled          = &Error{Kind: KindModuleNotEnabled}
	ErrModuleInstantiationFailed = &Error{Kind: KindModuleInstantiationFailed}
	ErrBadConfiguration          = &Error{Kind: KindBadConfiguration}
	ErrDependencyUnavailable     = &Error{Kind: KindDependencyUnavailable}
	ErrInstantiationTimeout      = &Error{Kind: KindInstantiationTimeout}
	ErrSessionAlreadyBound       = &Error{Kind: KindSessionAlreadyBound}
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrInvalidCredential         = &Error{Kind: KindInvalidCredential}
	ErrUnknownModule             = &Error{Kind: KindUnknownModule}
	ErrInvalidInput              = &Error{Kind: KindInvalidInput}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrRateLimited               = &Error{Kind: KindRateLimited}
)

// New builds an Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NotBootstrapped(step string) *Error {
	return &Error{
		Kind:    KindNotBootstrapped,
		Message: "initial setup has not been completed",
		Fields:  map[string]string{"setup_step": step},
	}
}

func SchemaMigrationFailed(cause error) *Error {
	return &Error{Kind: KindSchemaMigrationFailed, Message: "schema migration failed", Cause: cause}
}

func KeyMaterialLost(msg string) *Error {
	return &Error{Kind: KindKeyMaterialLost, Message: msg}
}

// DecryptionFailed names the config keys whose ciphertext could not be opened.
func DecryptionFailed(keys ...string) *Error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &Error{
		Kind:    KindDecryptionFailed,
		Message: "sensitive values could not be decrypted",
		Fields:  map[string]string{"keys": strings.Join(sorted, ",")},
	}
}

func ModuleNotEnabled(module string) *Error {
	return &Error{
		Kind:    KindModuleNotEnabled,
		Message: "module is not enabled for this identity",
		Fields:  map[string]string{"module": module},
	}
}

func BadConfiguration(module, msg string, cause error) *Error {
	return &Error{Kind: KindBadConfiguration, Message: msg, Cause: cause, Fields: map[string]string{"module": module}}
}

func DependencyUnavailable(module, msg string, cause error) *Error {
	return &Error{Kind: KindDependencyUnavailable, Message: msg, Cause: cause, Fields: map[string]string{"module": module}}
}

func InstantiationFailed(module string, cause error) *Error {
	return &Error{Kind: KindModuleInstantiationFailed, Message: "module failed to start", Cause: cause, Fields: map[string]string{"module": module}}
}

func InstantiationTimeout(module string) *Error {
	return &Error{
		Kind:    KindInstantiationTimeout,
		Message: "module start timed out",
		Fields:  map[string]string{"module": module},
	}
}

func SessionAlreadyBound() *Error {
	return &Error{Kind: KindSessionAlreadyBound, Message: "session is bound to a different identity"}
}

// PermissionDenied names the permission the caller lacks. It never carries
// anything about the target resource.
func PermissionDenied(permission string) *Error {
	return &Error{
		Kind:    KindPermissionDenied,
		Message: "denied",
		Fields:  map[string]string{"permission": permission},
	}
}

func InvalidCredential(cause error) *Error {
	return &Error{Kind: KindInvalidCredential, Message: "invalid or expired credential", Cause: cause}
}

func UnknownModule(module string) *Error {
	return &Error{Kind: KindUnknownModule, Message: "no such module", Fields: map[string]string{"module": module}}
}

func InvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "request rate exceeded, slow down"}
}
