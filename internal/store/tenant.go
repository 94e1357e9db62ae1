package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gatehouse/internal/capability"
	"gatehouse/pkg/problems"
)

// Binding records that an identity has enabled (or disabled) a module.
type Binding struct {
	IdentityID string    `json:"identity_id"`
	Module     string    `json:"module"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entry is one decrypted configuration value.
type Entry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// TenantConfig is a module configuration ordered by the module's schema.
type TenantConfig struct {
	Module  string
	Entries []Entry
	// Unreadable lists sensitive keys whose ciphertext failed to open.
	Unreadable []string
}

func (c TenantConfig) Map() map[string]string {
	out := make(map[string]string, len(c.Entries))
	for _, e := range c.Entries {
		out[e.Key] = e.Value
	}
	return out
}

func tenantAAD(identityID, module, key string) []byte {
	return []byte(identityID + "/" + module + "/" + key)
}

func (s *Store) descriptor(module string) (capability.Descriptor, error) {
	d, ok := s.registry.Descriptor(module)
	if !ok {
		return capability.Descriptor{}, problems.UnknownModule(module)
	}
	return d, nil
}

// GetTenantConfig loads and decrypts one tenant's configuration for module.
// A value that cannot be decrypted is left out; the returned config is still
// usable and the error is a DecryptionFailed naming the missing keys.
func (s *Store) GetTenantConfig(ctx context.Context, identityID, module string) (TenantConfig, error) {
	d, err := s.descriptor(module)
	if err != nil {
		return TenantConfig{}, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT config_key, value, is_encrypted FROM tenant_module_config WHERE identity_id = ? AND module_name = ?`),
		identityID, module)
	if err != nil {
		return TenantConfig{}, fmt.Errorf("store: load tenant config: %w", err)
	}
	defer rows.Close()

	type raw struct {
		value string
		enc   bool
	}
	found := map[string]raw{}
	for rows.Next() {
		var (
			k, v string
			enc  int
		)
		if err := rows.Scan(&k, &v, &enc); err != nil {
			return TenantConfig{}, fmt.Errorf("store: scan tenant config: %w", err)
		}
		found[k] = raw{value: v, enc: enc != 0}
	}
	if err := rows.Err(); err != nil {
		return TenantConfig{}, fmt.Errorf("store: load tenant config: %w", err)
	}

	out := TenantConfig{Module: module}
	for _, f := range d.ConfigSchema {
		r, ok := found[f.Key]
		if !ok {
			continue
		}
		delete(found, f.Key)
		val := r.value
		if r.enc {
			if val, err = s.open(r.value, tenantAAD(identityID, module, f.Key), f.Key); err != nil {
				out.Unreadable = append(out.Unreadable, f.Key)
				continue
			}
		}
		out.Entries = append(out.Entries, Entry{Key: f.Key, Value: val, Sensitive: r.enc})
	}
	for k := range found {
		s.log.Warnw("config key no longer in module schema", "module", module, "key", k)
	}
	if len(out.Unreadable) > 0 {
		return out, problems.DecryptionFailed(out.Unreadable...)
	}
	return out, nil
}

// SetTenantConfig validates key against the module schema and writes it.
// The stored encryption flag always follows the schema; a caller asserting a
// different sensitivity is rejected.
func (s *Store) SetTenantConfig(ctx context.Context, identityID, module, key, value string, sensitive bool) error {
	d, err := s.descriptor(module)
	if err != nil {
		return err
	}
	f, ok := d.Field(key)
	if !ok {
		return problems.InvalidInput(fmt.Sprintf("%s has no config key %q", module, key))
	}
	if f.Sensitive != sensitive {
		return problems.InvalidInput(fmt.Sprintf("%s.%s sensitivity is fixed by the module schema (sensitive=%t)", module, key, f.Sensitive))
	}
	stored, err := s.prepareTenantValue(identityID, module, f, value)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertTenantConfig), identityID, module, key, stored, boolInt(f.Sensitive), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: set tenant config: %w", err)
	}
	s.notify(ctx, identityID, module)
	return nil
}

const upsertTenantConfig = `INSERT INTO tenant_module_config (identity_id, module_name, config_key, value, is_encrypted, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (identity_id, module_name, config_key)
DO UPDATE SET value = excluded.value, is_encrypted = excluded.is_encrypted, updated_at = excluded.updated_at`

// prepareTenantValue checks value against f and seals it when f is sensitive.
func (s *Store) prepareTenantValue(identityID, module string, f capability.Field, value string) (string, error) {
	if err := f.Check(value); err != nil {
		return "", problems.InvalidInput(err.Error())
	}
	if !f.Sensitive {
		return value, nil
	}
	sl, err := s.sealerOrErr()
	if err != nil {
		return "", err
	}
	stored, err := sl.Seal([]byte(value), tenantAAD(identityID, module, f.Key))
	if err != nil {
		return "", fmt.Errorf("store: seal %s: %w", f.Key, err)
	}
	return stored, nil
}

// UpdateTenantConfig applies a batch of writes for one module: a nil value
// deletes the key. Every key and value is validated before anything is
// written, and the writes commit together or not at all. Sensitivity follows
// the module schema.
func (s *Store) UpdateTenantConfig(ctx context.Context, identityID, module string, values map[string]*string) error {
	d, err := s.descriptor(module)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type write struct {
		key, stored string
		sensitive   bool
		del         bool
	}
	writes := make([]write, 0, len(keys))
	for _, k := range keys {
		f, ok := d.Field(k)
		if !ok {
			return problems.InvalidInput(fmt.Sprintf("%s has no config key %q", module, k))
		}
		v := values[k]
		if v == nil {
			writes = append(writes, write{key: k, del: true})
			continue
		}
		stored, err := s.prepareTenantValue(identityID, module, f, *v)
		if err != nil {
			return err
		}
		writes = append(writes, write{key: k, stored: stored, sensitive: f.Sensitive})
	}
	if len(writes) == 0 {
		return nil
	}

	now := s.now().UnixMilli()
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			if w.del {
				if _, err := tx.ExecContext(ctx, s.db.Rebind(
					`DELETE FROM tenant_module_config WHERE identity_id = ? AND module_name = ? AND config_key = ?`),
					identityID, module, w.key); err != nil {
					return fmt.Errorf("store: delete tenant config %s: %w", w.key, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, s.db.Rebind(upsertTenantConfig),
				identityID, module, w.key, w.stored, boolInt(w.sensitive), now); err != nil {
				return fmt.Errorf("store: set tenant config %s: %w", w.key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, identityID, module)
	return nil
}

// DeleteTenantConfig removes one key. Missing keys are not an error.
func (s *Store) DeleteTenantConfig(ctx context.Context, identityID, module, key string) error {
	if _, err := s.descriptor(module); err != nil {
		return err
	}
	q := s.db.Rebind(`DELETE FROM tenant_module_config WHERE identity_id = ? AND module_name = ? AND config_key = ?`)
	if _, err := s.db.ExecContext(ctx, q, identityID, module, key); err != nil {
		return fmt.Errorf("store: delete tenant config: %w", err)
	}
	s.notify(ctx, identityID, module)
	return nil
}

// GetBinding returns the binding for (identity, module); ok is false when the
// identity never touched the module.
func (s *Store) GetBinding(ctx context.Context, identityID, module string) (Binding, bool, error) {
	var (
		enabled int
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT enabled, created_at FROM tenant_module_binding WHERE identity_id = ? AND module_name = ?`),
		identityID, module).Scan(&enabled, &created)
	if isNoRows(err) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("store: load binding: %w", err)
	}
	return Binding{IdentityID: identityID, Module: module, Enabled: enabled != 0, CreatedAt: time.UnixMilli(created)}, true, nil
}

// SetBinding enables or disables module for an identity. The first call
// creates the row; created_at never changes afterwards.
func (s *Store) SetBinding(ctx context.Context, identityID, module string, enabled bool) error {
	if _, err := s.descriptor(module); err != nil {
		return err
	}
	now := s.now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertBinding), identityID, module, boolInt(enabled), now, now); err != nil {
		return fmt.Errorf("store: set binding: %w", err)
	}
	s.notify(ctx, identityID, module)
	return nil
}

// ErrCountChanged reports that the identity's enabled modules changed between
// the caller's check and a guarded write.
var ErrCountChanged = errors.New("store: enabled module count changed")

// SetBindingGuarded is SetBinding for callers that authorized the change
// against a module count. The write only happens while the identity's other
// enabled modules still number wantOthers; otherwise ErrCountChanged is
// returned and nothing changes. A negative wantOthers skips the comparison.
// The identity row is locked for the transaction so concurrent enables for
// the same identity serialize.
func (s *Store) SetBindingGuarded(ctx context.Context, identityID, module string, enabled bool, wantOthers int) error {
	if _, err := s.descriptor(module); err != nil {
		return err
	}
	changed := false
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE identities SET email = email WHERE id = ?`), identityID); err != nil {
			return fmt.Errorf("store: lock identity: %w", err)
		}
		if wantOthers >= 0 {
			var others int
			if err := tx.QueryRowContext(ctx, s.db.Rebind(
				`SELECT COUNT(*) FROM tenant_module_binding WHERE identity_id = ? AND enabled = 1 AND module_name <> ?`),
				identityID, module).Scan(&others); err != nil {
				return fmt.Errorf("store: count bindings: %w", err)
			}
			if others != wantOthers {
				return ErrCountChanged
			}
		}
		var cur int
		err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT enabled FROM tenant_module_binding WHERE identity_id = ? AND module_name = ?`),
			identityID, module).Scan(&cur)
		switch {
		case isNoRows(err):
		case err != nil:
			return fmt.Errorf("store: load binding: %w", err)
		case (cur != 0) == enabled:
			return nil
		}
		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, s.db.Rebind(upsertBinding), identityID, module, boolInt(enabled), now, now); err != nil {
			return fmt.Errorf("store: set binding: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.notify(ctx, identityID, module)
	}
	return nil
}

const upsertBinding = `INSERT INTO tenant_module_binding (identity_id, module_name, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (identity_id, module_name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`

// Bindings lists every binding of an identity ordered by module name.
func (s *Store) Bindings(ctx context.Context, identityID string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT module_name, enabled, created_at FROM tenant_module_binding WHERE identity_id = ? ORDER BY module_name`),
		identityID)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var (
			b       = Binding{IdentityID: identityID}
			enabled int
			created int64
		)
		if err := rows.Scan(&b.Module, &enabled, &created); err != nil {
			return nil, err
		}
		b.Enabled = enabled != 0
		b.CreatedAt = time.UnixMilli(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// EnabledCount is the number of modules currently enabled for an identity.
func (s *Store) EnabledCount(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM tenant_module_binding WHERE identity_id = ? AND enabled = 1`), identityID).Scan(&n)
	return n, err
}

// rawTenantValue returns the stored column for a key, sealed or not.
func (s *Store) rawTenantValue(ctx context.Context, identityID, module, key string) (string, bool, error) {
	var v string
	var enc int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT value, is_encrypted FROM tenant_module_config WHERE identity_id = ? AND module_name = ? AND config_key = ?`),
		identityID, module, key).Scan(&v, &enc)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, enc != 0, nil
}

// Masked returns entries with sensitive values replaced, for display.
func (c TenantConfig) Masked() []Entry {
	out := make([]Entry, len(c.Entries))
	for i, e := range c.Entries {
		if e.Sensitive {
			e.Value = strings.Repeat("•", 8)
		}
		out[i] = e
	}
	return out
}
