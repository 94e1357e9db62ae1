package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"gatehouse/internal/capability"
	"gatehouse/pkg/problems"
)

// Echo answers with its configured greeting. It needs no external service
// and is handy for checking a tenant's mount path end to end.
type Echo struct{}

func (Echo) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "echo",
		Description: "Replies with a configurable greeting and the caller's message",
		Category:    "utility",
		ConfigSchema: []capability.Field{
			{Key: "greeting", Type: capability.TypeString, Default: "hello", Description: "Prefix for every reply"},
			{Key: "uppercase", Type: capability.TypeBool, Advanced: true, Default: "false", Description: "Shout the reply"},
		},
		Operations: []capability.Operation{{Name: "say", Summary: "Echo a message back"}},
	}
}

type echoHandle struct {
	greeting  string
	uppercase bool
	closed    atomic.Bool
}

func (Echo) Instantiate(_ context.Context, cfg capability.Config) (capability.Handle, error) {
	g := strings.TrimSpace(cfg.String("greeting"))
	if g == "" {
		return nil, problems.BadConfiguration("echo", "greeting must not be blank", nil)
	}
	return &echoHandle{greeting: g, uppercase: cfg.Bool("uppercase")}, nil
}

func (Echo) Shutdown(h capability.Handle) error {
	eh, ok := h.(*echoHandle)
	if !ok {
		return fmt.Errorf("echo: foreign handle %T", h)
	}
	eh.closed.Store(true)
	return nil
}

func (h *echoHandle) Invoke(_ context.Context, op string, input json.RawMessage) (any, error) {
	if h.closed.Load() {
		return nil, errors.New("echo: handle is shut down")
	}
	if op != "say" {
		return nil, problems.InvalidInput("echo has no operation " + op)
	}
	var in struct {
		Message string `json:"message"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, problems.InvalidInput("body must be {\"message\": string}")
		}
	}
	reply := strings.TrimSpace(h.greeting + " " + in.Message)
	if h.uppercase {
		reply = strings.ToUpper(reply)
	}
	return map[string]any{"reply": reply}, nil
}
