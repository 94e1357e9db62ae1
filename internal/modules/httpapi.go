package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"gatehouse/internal/capability"
	"gatehouse/pkg/problems"
)

// HTTPAPI proxies requests to a tenant-configured upstream, injecting the
// tenant's API key. The transport is shared; each handle gets its own client.
type HTTPAPI struct {
	transport http.RoundTripper
}

func NewHTTPAPI(rt http.RoundTripper) HTTPAPI {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return HTTPAPI{transport: rt}
}

func (HTTPAPI) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:                 "httpapi",
		Description:          "Generic HTTP passthrough to a tenant's own API",
		Category:             "integration",
		RequiresExternalAuth: true,
		StartTimeout:         5 * time.Second,
		ConfigSchema: []capability.Field{
			{Key: "base_url", Type: capability.TypeURL, Required: true, Description: "Upstream base URL"},
			{Key: "api_key", Type: capability.TypeString, Required: true, Sensitive: true, Description: "Credential sent on every call"},
			{Key: "api_key_header", Type: capability.TypeString, Advanced: true, Default: "x-api-key"},
			{Key: "health_path", Type: capability.TypeString, Advanced: true, Description: "Probed once at start when set"},
			{Key: "timeout", Type: capability.TypeDuration, Advanced: true, Default: "15s"},
		},
		Operations: []capability.Operation{{Name: "request", Summary: "Send {method, path, body} upstream"}},
	}
}

type httpHandle struct {
	client *http.Client
	base   string
	header string
	apiKey string
	closed atomic.Bool
}

func (m HTTPAPI) Instantiate(ctx context.Context, cfg capability.Config) (capability.Handle, error) {
	if missing := capability.Missing(m.Descriptor(), cfg); len(missing) > 0 {
		return nil, problems.BadConfiguration("httpapi", "missing required config: "+strings.Join(missing, ", "), nil)
	}
	u, err := url.Parse(cfg.String("base_url"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, problems.BadConfiguration("httpapi", "base_url must be an absolute http(s) URL", err)
	}
	h := &httpHandle{
		client: &http.Client{Transport: m.transport, Timeout: cfg.Duration("timeout", 15*time.Second)},
		base:   strings.TrimRight(u.String(), "/"),
		header: cfg.String("api_key_header"),
		apiKey: cfg.String("api_key"),
	}
	if h.header == "" {
		h.header = "x-api-key"
	}
	if p := cfg.String("health_path"); p != "" {
		if err := h.probe(ctx, p); err != nil {
			return nil, problems.DependencyUnavailable("httpapi", "upstream health check failed", err)
		}
	}
	return h, nil
}

func (HTTPAPI) Shutdown(h capability.Handle) error {
	hh, ok := h.(*httpHandle)
	if !ok {
		return fmt.Errorf("httpapi: foreign handle %T", h)
	}
	if hh.closed.CompareAndSwap(false, true) {
		hh.client.CloseIdleConnections()
	}
	return nil
}

func (h *httpHandle) probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return err
	}
	req.Header.Set(h.header, h.apiKey)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type requestInput struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func (h *httpHandle) Invoke(ctx context.Context, op string, input json.RawMessage) (any, error) {
	if h.closed.Load() {
		return nil, errors.New("httpapi: handle is shut down")
	}
	if op != "request" {
		return nil, problems.InvalidInput("httpapi has no operation " + op)
	}
	var in requestInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, problems.InvalidInput("body must be {\"method\", \"path\", \"body\"}")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(in.Path, "/") || strings.Contains(in.Path, "://") {
		return nil, problems.InvalidInput("path must be relative and start with /")
	}

	start := time.Now()
	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+in.Path, body)
	if err != nil {
		return nil, problems.InvalidInput("cannot build upstream request")
	}
	req.Header.Set(h.header, h.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, problems.DependencyUnavailable("httpapi", "upstream unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, problems.DependencyUnavailable("httpapi", "upstream read failed", err)
	}

	var upstream any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var jb any
		if json.Unmarshal(raw, &jb) == nil {
			upstream = jb
		}
	}
	return map[string]any{
		"upstream_status": resp.StatusCode,
		"operation":       map[string]any{"method": method, "path": in.Path},
		"upstream":        upstream,
		"duration_ms":     time.Since(start).Milliseconds(),
	}, nil
}
