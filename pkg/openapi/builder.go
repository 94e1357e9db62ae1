// Package openapi renders a minimal OpenAPI 3.1 document for the operations
// an identity can currently call.
package openapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	OperationID string         `json:"operationId,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Permissions []string       `json:"x-required-permissions,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Document collects operations for one rendering. It is not safe for
// concurrent use; build one per request.
type Document struct {
	Title     string
	Version   string
	ServerURL string
	Ops       []Operation
}

func New(title, version, serverURL string) *Document {
	return &Document{Title: title, Version: version, ServerURL: serverURL}
}

func (d *Document) Add(op Operation) {
	op.Method = strings.ToLower(op.Method)
	if op.Responses == nil {
		op.Responses = DefaultResponses()
	}
	d.Ops = append(d.Ops, op)
}

// DefaultResponses covers the outcomes every dispatched call can have.
func DefaultResponses() map[string]any {
	problem := map[string]any{"$ref": "#/components/schemas/Problem"}
	resp := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content":     map[string]any{"application/problem+json": map[string]any{"schema": problem}},
		}
	}
	return map[string]any{
		"200": map[string]any{
			"description": "Module result",
			"content":     map[string]any{"application/json": map[string]any{"schema": map[string]any{}}},
		},
		"403": resp("Permission denied"),
		"404": resp("Module not enabled"),
		"502": resp("Module failed to start"),
		"504": resp("Module start timed out"),
	}
}

// Build produces the document. Paths are emitted in sorted order.
func (d *Document) Build() map[string]any {
	ops := append([]Operation(nil), d.Ops...)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })

	paths := map[string]any{}
	for _, op := range ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":   op.Summary,
			"tags":      op.Tags,
			"responses": op.Responses,
		}
		if op.OperationID != "" {
			m["operationId"] = op.OperationID
		}
		if op.Description != "" {
			m["description"] = op.Description
		}
		if len(op.Permissions) > 0 {
			m["x-required-permissions"] = op.Permissions
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	doc := map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": d.Title, "version": d.Version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearer":  map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
				"session": map[string]any{"type": "apiKey", "in": "header", "name": "X-Session-Id"},
			},
			"schemas": map[string]any{
				"Problem": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":   map[string]any{"type": "string"},
						"title":  map[string]any{"type": "string"},
						"status": map[string]any{"type": "integer"},
						"detail": map[string]any{"type": "string"},
						"kind":   map[string]any{"type": "string"},
						"fields": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					},
				},
			},
		},
		"security": []map[string]any{{"bearer": []string{}, "session": []string{}}},
	}
	if d.ServerURL != "" {
		doc["servers"] = []map[string]any{{"url": d.ServerURL}}
	}
	return doc
}

// Write serves the built document as JSON.
func (d *Document) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Build())
}
