package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"starline.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// --- organizations ---

func (s *PGStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into organizations (id, name, subdomain, active)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, org.ID, org.Name, org.Subdomain, org.Active).Scan(&org.CreatedAt, &org.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *PGStore) GetOrganization(ctx context.Context, id string) (Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx, `
		select id, name, subdomain, active, created_at, updated_at
		from organizations where id = $1
	`, id))
}

func (s *PGStore) GetOrganizationBySubdomain(ctx context.Context, subdomain string) (Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx, `
		select id, name, subdomain, active, created_at, updated_at
		from organizations where subdomain = $1
	`, subdomain))
}

func (s *PGStore) scanOrganization(row *sql.Row) (Organization, error) {
	var org Organization
	err := row.Scan(&org.ID, &org.Name, &org.Subdomain, &org.Active, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, err
	}
	return org, nil
}

func (s *PGStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, subdomain, active, created_at, updated_at
		from organizations order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Subdomain, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

func (s *PGStore) UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update organizations set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return Organization{}, err
		}
	}
	return s.GetOrganization(ctx, id)
}

// --- users ---

func (s *PGStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, organization_id, email, password_hash, first_name, last_name, status, super_admin)
		values ($1, nullif($2,''), $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, u.ID, u.OrganizationID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Status, u.SuperAdmin).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

const userColumns = `id, coalesce(organization_id,''), email, password_hash, first_name, last_name,
	coalesce(role_id,''), use_custom_permissions, super_admin, status,
	failed_login_attempts, locked_until, created_at, updated_at`

func (s *PGStore) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`, email))
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u      User
		locked sql.NullTime
	)
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.RoleID, &u.UseCustomPermissions, &u.SuperAdmin, &u.Status,
		&u.FailedLoginAttempts, &locked, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if locked.Valid {
		t := locked.Time
		u.LockedUntil = &t
	}
	return u, nil
}

func (s *PGStore) ListUsers(ctx context.Context, organizationID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users where organization_id = $1 order by email`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		var (
			u      User
			locked sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
			&u.RoleID, &u.UseCustomPermissions, &u.SuperAdmin, &u.Status,
			&u.FailedLoginAttempts, &locked, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		if locked.Valid {
			t := locked.Time
			u.LockedUntil = &t
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *PGStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	appendSet := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Email != nil {
		appendSet("email", *upd.Email)
	}
	if upd.Password != nil {
		appendSet("password_hash", *upd.Password)
	}
	if upd.FirstName != nil {
		appendSet("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		appendSet("last_name", *upd.LastName)
	}
	if upd.Status != nil {
		appendSet("status", *upd.Status)
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return User{}, ErrConflict
			}
			return User{}, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return User{}, ErrNotFound
		}
	}
	return s.GetUser(ctx, id)
}

func (s *PGStore) SetUserRole(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set role_id = $2, updated_at = now() where id = $1`, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return ErrNotFound
		}
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SetCustomPermissions(ctx context.Context, userID string, permissionKeys []string, useCustom bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update users set use_custom_permissions = $2, updated_at = now() where id = $1`, userID, useCustom)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `delete from user_permissions where user_id = $1`, userID); err != nil {
		return err
	}
	for _, key := range permissionKeys {
		resource, action, err := SplitKey(key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into user_permissions (user_id, permission_id)
			select $1, id from permissions where resource = $2 and action = $3
		`, userID, resource, action); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) RecordLoginFailure(ctx context.Context, userID string, lockUntil *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = coalesce($2, locked_until),
		    updated_at = now()
		where id = $1
	`, userID, lockUntil)
	return err
}

func (s *PGStore) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, userID)
	return err
}

// --- roles ---

func (s *PGStore) CreateRole(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, organization_id, name, description, is_system_role)
		values ($1, nullif($2,''), $3, $4, $5)
		returning created_at, updated_at
	`, role.ID, role.OrganizationID, role.Name, role.Description, role.IsSystemRole).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

func (s *PGStore) GetRole(ctx context.Context, id string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(organization_id,''), name, coalesce(description,''), is_system_role, created_at, updated_at
		from roles where id = $1
	`, id).Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *PGStore) ListRoles(ctx context.Context, organizationID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(organization_id,''), name, coalesce(description,''), is_system_role, created_at, updated_at
		from roles
		where organization_id = $1 or organization_id is null
		order by is_system_role desc, name
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (s *PGStore) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return Role{}, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return Role{}, ErrNotFound
		}
	}
	return s.GetRole(ctx, id)
}

func (s *PGStore) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, key := range permissionKeys {
		resource, action, err := SplitKey(key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where resource = $2 and action = $3
		`, roleID, resource, action); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.resource, p.action, coalesce(p.description,''), p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.resource, p.action
	`, roleID)
}

func (s *PGStore) CustomPermissions(ctx context.Context, userID string) ([]Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.resource, p.action, coalesce(p.description,''), p.created_at
		from permissions p
		join user_permissions up on up.permission_id = p.id
		where up.user_id = $1
		order by p.resource, p.action
	`, userID)
}

func (s *PGStore) queryPermissions(ctx context.Context, query string, arg any) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PGStore) UserIDsWithRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select id from users where role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// --- permission catalog ---

func (s *PGStore) EnsurePermissions(ctx context.Context, perms []Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, resource, action, description)
			values ($1, $2, $3, $4)
			on conflict (resource, action) do update set description = excluded.description
		`, id, p.Resource, p.Action, p.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, resource, action, coalesce(description,''), created_at
		from permissions order by resource, action
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- sessions ---

func (s *PGStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, `
		insert into sessions (id, user_id, token_hash, ip_address, user_agent, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, sess.ID, sess.UserID, sess.TokenHash, sess.IPAddress, sess.UserAgent, sess.ExpiresAt).
		Scan(&sess.CreatedAt)
}

func (s *PGStore) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, coalesce(ip_address,''), coalesce(user_agent,''), expires_at, created_at, revoked_at
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.IPAddress, &sess.UserAgent, &sess.ExpiresAt, &sess.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *PGStore) RevokeSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked_at = now() where id = $1 and revoked_at is null`, id)
	return err
}

func (s *PGStore) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked_at = now() where user_id = $1 and revoked_at is null`, userID)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
