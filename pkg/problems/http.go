package problems

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
)

var base atomic.Value

func init() { base.Store("https://example.com/problems") }

// SetBase configures the base URL for problem type identifiers from the
// public URL of the deployment. An empty argument keeps the current base.
func SetBase(publicURL string) {
	if publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/"); publicURL != "" {
		base.Store(publicURL + "/problems")
	}
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return base.Load().(string) + "/" + slug }

// Document is the problem+json body.
type Document struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	Kind      Kind              `json:"kind"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

var statusByKind = map[Kind]int{
	KindNotBootstrapped:           http.StatusServiceUnavailable,
	KindSchemaMigrationFailed:     http.StatusServiceUnavailable,
	KindKeyMaterialLost:           http.StatusServiceUnavailable,
	KindDecryptionFailed:          http.StatusUnprocessableEntity,
	KindModuleNotEnabled:          http.StatusNotFound,
	KindModuleInstantiationFailed: http.StatusBadGateway,
	KindBadConfiguration:          http.StatusUnprocessableEntity,
	KindDependencyUnavailable:     http.StatusBadGateway,
	KindInstantiationTimeout:      http.StatusGatewayTimeout,
	KindSessionAlreadyBound:       http.StatusConflict,
	KindPermissionDenied:          http.StatusForbidden,
	KindInvalidCredential:         http.StatusUnauthorized,
	KindUnknownModule:             http.StatusNotFound,
	KindInvalidInput:              http.StatusBadRequest,
	KindNotFound:                  http.StatusNotFound,
	KindRateLimited:               http.StatusTooManyRequests,
}

var titleByKind = map[Kind]string{
	KindNotBootstrapped:           "Setup required",
	KindSchemaMigrationFailed:     "Store unavailable",
	KindKeyMaterialLost:           "Store unavailable",
	KindDecryptionFailed:          "Configuration unreadable",
	KindModuleNotEnabled:          "Module not enabled",
	KindModuleInstantiationFailed: "Module failed to start",
	KindBadConfiguration:          "Bad module configuration",
	KindDependencyUnavailable:     "Module dependency unavailable",
	KindInstantiationTimeout:      "Module start timed out",
	KindSessionAlreadyBound:       "Session bound to another identity",
	KindPermissionDenied:          "Permission denied",
	KindInvalidCredential:         "Invalid credential",
	KindUnknownModule:             "Unknown module",
	KindInvalidInput:              "Invalid input",
	KindNotFound:                  "Not found",
	KindRateLimited:               "Too many requests",
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		if s, ok := statusByKind[pe.Kind]; ok {
			return s
		}
	}
	return http.StatusInternalServerError
}

// From converts err into a Document. Errors outside the taxonomy become a
// generic internal error so nothing internal reaches the caller.
func From(err error) Document {
	var pe *Error
	if !errors.As(err, &pe) {
		return Document{
			Type:   Type("internal"),
			Title:  "Internal error",
			Status: http.StatusInternalServerError,
			Kind:   "internal",
		}
	}
	doc := Document{
		Type:      Type(string(pe.Kind)),
		Title:     titleByKind[pe.Kind],
		Status:    StatusOf(pe),
		Detail:    pe.Message,
		Kind:      pe.Kind,
		Fields:    pe.Fields,
		Retryable: pe.Kind == KindInstantiationTimeout || pe.Kind == KindDependencyUnavailable || pe.Kind == KindRateLimited,
	}
	if pe.Kind == KindPermissionDenied {
		doc.Detail = "denied"
	}
	return doc
}

// Write renders err as application/problem+json.
func Write(w http.ResponseWriter, err error) {
	doc := From(err)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(doc.Status)
	_ = json.NewEncoder(w).Encode(doc)
}
