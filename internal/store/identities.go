package store

import (
	"context"
	"fmt"
	"time"

	"gatehouse/pkg/problems"
)

// Identity is an authenticated principal known to the gateway.
type Identity struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	OrganizationID string     `json:"organization_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

func (i Identity) Archived() bool { return i.ArchivedAt != nil }

// EnsureIdentity creates the identity row on first authentication. Existing
// rows are returned untouched. created reports whether a row was inserted.
func (s *Store) EnsureIdentity(ctx context.Context, in Identity) (out Identity, created bool, err error) {
	if in.ID == "" {
		return Identity{}, false, problems.InvalidInput("identity id is required")
	}
	q := s.db.Rebind(`INSERT INTO identities (id, email, organization_id, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, in.ID, in.Email, in.OrganizationID, s.now().UnixMilli())
	if err != nil {
		return Identity{}, false, fmt.Errorf("store: ensure identity: %w", err)
	}
	n, _ := res.RowsAffected()
	out, err = s.GetIdentity(ctx, in.ID)
	return out, n > 0, err
}

func (s *Store) GetIdentity(ctx context.Context, id string) (Identity, error) {
	var (
		out      = Identity{ID: id}
		created  int64
		archived *int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT email, organization_id, created_at, archived_at FROM identities WHERE id = ?`), id).
		Scan(&out.Email, &out.OrganizationID, &created, &archived)
	if isNoRows(err) {
		return Identity{}, problems.NotFound("identity not found")
	}
	if err != nil {
		return Identity{}, fmt.Errorf("store: load identity: %w", err)
	}
	out.CreatedAt = time.UnixMilli(created)
	if archived != nil {
		t := time.UnixMilli(*archived)
		out.ArchivedAt = &t
	}
	return out, nil
}

// ArchiveIdentity marks an identity archived. Identities are never deleted.
// Observers are told so live mounts of the identity can be dropped.
func (s *Store) ArchiveIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE identities SET archived_at = ? WHERE id = ? AND archived_at IS NULL`), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: archive identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetIdentity(ctx, id); err != nil {
			return err
		}
	}
	s.notify(ctx, id, "")
	return nil
}

// RolesFor reads role assignments straight from the database so revocations
// apply to the very next check.
func (s *Store) RolesFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT role FROM role_assignments WHERE identity_id = ? ORDER BY role`), id)
	if err != nil {
		return nil, fmt.Errorf("store: load roles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignRole grants role to id. Granting a role twice is a no-op.
func (s *Store) AssignRole(ctx context.Context, id, role, grantedBy string) error {
	if _, err := s.GetIdentity(ctx, id); err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO role_assignments (identity_id, role, granted_by, granted_at) VALUES (?, ?, ?, ?)
ON CONFLICT (identity_id, role) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q, id, role, grantedBy, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: assign role: %w", err)
	}
	return nil
}

// RevokeRole removes role from id and reports whether it was held.
func (s *Store) RevokeRole(ctx context.Context, id, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM role_assignments WHERE identity_id = ? AND role = ?`), id, role)
	if err != nil {
		return false, fmt.Errorf("store: revoke role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
