package capability

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	moduleNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,62}$`)
	configKeyRe  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
)

// NewValidator returns a validator that knows the module naming rules.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return moduleNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("configkey", func(fl validator.FieldLevel) bool {
		return configKeyRe.MatchString(fl.Field().String())
	})
	return v
}

// Registry is the immutable catalogue of modules that passed validation.
// Build it once at startup and pass it to every component that needs it.
type Registry struct {
	byName map[string]Module
	descs  map[string]Descriptor
	names  []string
}

// NewRegistry validates every module and keeps the ones that pass. A module
// that fails validation is logged and excluded; it never stops the others.
func NewRegistry(log *zap.SugaredLogger, modules ...Module) *Registry {
	v := NewValidator()
	r := &Registry{byName: map[string]Module{}, descs: map[string]Descriptor{}}
	for _, m := range modules {
		if m == nil {
			continue
		}
		d, err := describe(m)
		if err == nil {
			err = validate(v, d)
		}
		if err == nil {
			if _, dup := r.byName[d.Name]; dup {
				err = fmt.Errorf("duplicate module name %q", d.Name)
			}
		}
		if err != nil {
			log.Warnw("module excluded from registry", "module", d.Name, "err", err)
			continue
		}
		r.byName[d.Name] = m
		r.descs[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	log.Infow("capability registry ready", "modules", r.names)
	return r
}

func describe(m Module) (d Descriptor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("descriptor panicked: %v", rec)
		}
	}()
	return m.Descriptor(), nil
}

func validate(v *validator.Validate, d Descriptor) error {
	if err := v.Struct(d); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	seen := map[string]bool{}
	for _, f := range d.ConfigSchema {
		if seen[f.Key] {
			return fmt.Errorf("duplicate config key %q", f.Key)
		}
		seen[f.Key] = true
		if f.Default != "" {
			if err := f.Check(f.Default); err != nil {
				return fmt.Errorf("bad default: %w", err)
			}
		}
	}
	ops := map[string]bool{}
	for _, o := range d.Operations {
		if ops[o.Name] {
			return fmt.Errorf("duplicate operation %q", o.Name)
		}
		ops[o.Name] = true
	}
	return nil
}

// Lookup returns the module registered under name.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Descriptor returns the validated descriptor captured at startup.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.descs[name]
	return d, ok
}

// Descriptors lists every registered descriptor ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.descs[n])
	}
	return out
}

// Names lists registered module names in order.
func (r *Registry) Names() []string { return append([]string(nil), r.names...) }
