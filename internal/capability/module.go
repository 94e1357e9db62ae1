// Package capability defines the contract every hosted module implements and
// the immutable registry built from the fixed module namespace at startup.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// FieldType is the declared type of a configuration field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeBool     FieldType = "bool"
	TypeURL      FieldType = "url"
	TypeDuration FieldType = "duration"
)

// Field is one entry of a module's configuration schema.
type Field struct {
	Key         string    `json:"key" validate:"required,configkey"`
	Type        FieldType `json:"type" validate:"required,oneof=string int bool url duration"`
	Required    bool      `json:"required"`
	Sensitive   bool      `json:"sensitive"`
	Advanced    bool      `json:"advanced"` // writes need config:advanced
	Default     string    `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Check reports whether value is acceptable for the field's type.
func (f Field) Check(value string) error {
	switch f.Type {
	case TypeString:
		return nil
	case TypeInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%s: not an integer", f.Key)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s: not a boolean", f.Key)
		}
	case TypeURL:
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: not an absolute URL", f.Key)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: not a duration", f.Key)
		}
	default:
		return fmt.Errorf("%s: unrecognized type %q", f.Key, f.Type)
	}
	return nil
}

// Operation is a callable exposed by a live module handle.
type Operation struct {
	Name    string `json:"name" validate:"required,configkey"`
	Summary string `json:"summary,omitempty"`
}

// Descriptor is the static metadata of a module.
type Descriptor struct {
	Name                 string        `json:"name" validate:"required,modulename"`
	Description          string        `json:"description"`
	Category             string        `json:"category" validate:"required"`
	ConfigSchema         []Field       `json:"config_schema" validate:"dive"`
	RequiresExternalAuth bool          `json:"requires_external_auth"`
	StartTimeout         time.Duration `json:"start_timeout,omitempty" validate:"gte=0"`
	Operations           []Operation   `json:"operations" validate:"dive"`
}

// Field looks up a schema entry by key.
func (d Descriptor) Field(key string) (Field, bool) {
	for _, f := range d.ConfigSchema {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// HasOperation reports whether op is declared.
func (d Descriptor) HasOperation(op string) bool {
	for _, o := range d.Operations {
		if o.Name == op {
			return true
		}
	}
	return false
}

// Config is the decrypted, per-tenant configuration handed to Instantiate.
type Config map[string]string

func (c Config) String(key string) string { return c[key] }

func (c Config) Bool(key string) bool {
	b, _ := strconv.ParseBool(c[key])
	return b
}

func (c Config) Duration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(c[key]); err == nil && d > 0 {
		return d
	}
	return def
}

// WithDefaults fills schema defaults for keys absent from values.
func WithDefaults(d Descriptor, values map[string]string) Config {
	out := make(Config, len(d.ConfigSchema))
	for _, f := range d.ConfigSchema {
		if v, ok := values[f.Key]; ok {
			out[f.Key] = v
		} else if f.Default != "" {
			out[f.Key] = f.Default
		}
	}
	return out
}

// Missing returns the required keys that have no value in c.
func Missing(d Descriptor, c Config) []string {
	var out []string
	for _, f := range d.ConfigSchema {
		if f.Required && c[f.Key] == "" {
			out = append(out, f.Key)
		}
	}
	return out
}

// Handle is a live, tenant-owned module instance.
type Handle interface {
	Invoke(ctx context.Context, operation string, input json.RawMessage) (any, error)
}

// Module is the three-method contract every capability implements.
// Instantiate should return errors built with problems.BadConfiguration or
// problems.DependencyUnavailable so callers can tell the two apart.
// Shutdown must be idempotent.
type Module interface {
	Descriptor() Descriptor
	Instantiate(ctx context.Context, cfg Config) (Handle, error)
	Shutdown(h Handle) error
}
