package access

import (
	"context"
	"time"
)

// OrganizationUpdate carries optional organization mutations.
type OrganizationUpdate struct {
	Name   *string
	Active *bool
}

// UserUpdate carries optional user mutations.
type UserUpdate struct {
	Email     *string
	Password  *string
	FirstName *string
	LastName  *string
	Status    *string
}

// RoleUpdate carries optional role mutations.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// Store describes persistence required by the access subsystem.
type Store interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetOrganizationBySubdomain(ctx context.Context, subdomain string) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, organizationID string) ([]User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	SetUserRole(ctx context.Context, userID, roleID string) error
	SetCustomPermissions(ctx context.Context, userID string, permissionKeys []string, useCustom bool) error
	RecordLoginFailure(ctx context.Context, userID string, lockUntil *time.Time) error
	ResetLoginFailures(ctx context.Context, userID string) error

	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context, organizationID string) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
	CustomPermissions(ctx context.Context, userID string) ([]Permission, error)
	UserIDsWithRole(ctx context.Context, roleID string) ([]string, error)

	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID string) error
}
