// Package manifest lists the tools an identity can call: one entry per
// operation of every module the identity has enabled.
package manifest

import (
	"context"
	"fmt"
	"strings"

	"gatehouse/internal/capability"
	"gatehouse/internal/store"
	"gatehouse/pkg/openapi"
	"gatehouse/pkg/problems"
)

type Tool struct {
	Key                  string            `json:"key"`
	Module               string            `json:"module"`
	Operation            string            `json:"operation"`
	Summary              string            `json:"summary,omitempty"`
	Category             string            `json:"category"`
	Method               string            `json:"method"`
	Path                 string            `json:"path"`
	Permission           string            `json:"permission"`
	RequiresExternalAuth bool              `json:"requires_external_auth"`
	Mounted              bool              `json:"mounted"`
	ProblemTypes         map[string]string `json:"problem_types,omitempty"`
}

type Manifest struct {
	Version   string `json:"version"`
	BaseURL   string `json:"base_url"`
	Namespace string `json:"namespace"`
	Tools     []Tool `json:"tools"`
}

// Bindings lists an identity's module bindings.
type Bindings interface {
	Bindings(ctx context.Context, identityID string) ([]store.Binding, error)
}

// Mounts reports which modules are live for an identity. Optional.
type Mounts interface {
	MountedModules(identityID string) map[string]bool
}

type Service struct {
	registry *capability.Registry
	bindings Bindings
	mounts   Mounts
	baseURL  string
	version  string
}

func NewService(registry *capability.Registry, bindings Bindings, mounts Mounts, baseURL, version string) *Service {
	return &Service{
		registry: registry,
		bindings: bindings,
		mounts:   mounts,
		baseURL:  strings.TrimRight(baseURL, "/"),
		version:  version,
	}
}

// ToolPath is where a tool is dispatched.
func ToolPath(module, operation string) string {
	return fmt.Sprintf("/v1/tools/%s/%s", module, operation)
}

// Build returns identityID's manifest. Bindings to modules that are no longer
// registered are skipped.
func (s *Service) Build(ctx context.Context, identityID string) (Manifest, error) {
	bs, err := s.bindings.Bindings(ctx, identityID)
	if err != nil {
		return Manifest{}, err
	}
	var live map[string]bool
	if s.mounts != nil {
		live = s.mounts.MountedModules(identityID)
	}
	m := Manifest{Version: s.version, BaseURL: s.baseURL, Namespace: identityID, Tools: []Tool{}}
	for _, b := range bs {
		if !b.Enabled {
			continue
		}
		d, ok := s.registry.Descriptor(b.Module)
		if !ok {
			continue
		}
		for _, op := range d.Operations {
			m.Tools = append(m.Tools, Tool{
				Key:                  d.Name + "." + op.Name,
				Module:               d.Name,
				Operation:            op.Name,
				Summary:              op.Summary,
				Category:             d.Category,
				Method:               "POST",
				Path:                 ToolPath(d.Name, op.Name),
				Permission:           "tools:invoke",
				RequiresExternalAuth: d.RequiresExternalAuth,
				Mounted:              live[d.Name],
				ProblemTypes: map[string]string{
					"module_not_enabled":    problems.Type(string(problems.KindModuleNotEnabled)),
					"instantiation_timeout": problems.Type(string(problems.KindInstantiationTimeout)),
				},
			})
		}
	}
	return m, nil
}

// OpenAPI renders the manifest's tools as an OpenAPI document.
func (m Manifest) OpenAPI(title string) *openapi.Document {
	doc := openapi.New(title, m.Version, m.BaseURL)
	for _, t := range m.Tools {
		doc.Add(openapi.Operation{
			Method:      t.Method,
			Path:        t.Path,
			OperationID: t.Module + "_" + t.Operation,
			Summary:     t.Summary,
			Tags:        []string{t.Module},
			Permissions: []string{t.Permission},
			RequestBody: map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
				},
			},
		})
	}
	return doc
}
