package access

import "time"

// Organization is the tenant root. Every tenant-scoped entity carries exactly
// one organization id, fixed at creation.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a principal operating on behalf of an organization. A super admin
// carries an empty organization id and may bind the wildcard tenant scope.
type User struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organization_id,omitempty"`
	Email                string     `json:"email"`
	PasswordHash         string     `json:"-"`
	FirstName            string     `json:"first_name"`
	LastName             string     `json:"last_name"`
	RoleID               string     `json:"role_id,omitempty"`
	UseCustomPermissions bool       `json:"use_custom_permissions"`
	SuperAdmin           bool       `json:"super_admin"`
	Status               string     `json:"status"`
	FailedLoginAttempts  int        `json:"-"`
	LockedUntil          *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Role bundles permissions. An empty organization id marks a system role
// visible to all tenants; system roles are immutable through the tenant API.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	IsSystemRole   bool      `json:"is_system_role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is the atomic grantable unit. (Resource, Action) is unique.
type Permission struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the canonical "resource:action" form.
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

// Session is a persisted refresh-token session.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	IPAddress string     `json:"ip_address,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// PermissionSet is the resolved, flat set of grants for a principal.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from catalog permissions.
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p.Key()] = struct{}{}
	}
	return set
}

// Has reports whether the set grants (resource, action). O(1).
func (s PermissionSet) Has(resource, action string) bool {
	_, ok := s[resource+":"+action]
	return ok
}

// Keys returns the sorted-insensitive list of grant keys.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Principal is an authenticated user with resolved permissions.
type Principal struct {
	User        User
	Permissions PermissionSet
}

// Can reports whether the principal may exercise (resource, action).
func (p Principal) Can(resource, action string) bool {
	return p.Permissions.Has(resource, action)
}

// User status values.
const (
	UserStatusActive    = "active"
	UserStatusInactive  = "inactive"
	UserStatusSuspended = "suspended"
	UserStatusPending   = "pending"
)
