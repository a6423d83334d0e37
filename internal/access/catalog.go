package access

import (
	"fmt"
	"strings"
)

// Permission key constants used across the service.
const (
	PermOrganizationsManage = "organizations:manage"
	PermUsersManage         = "users:manage"
	PermRolesManage         = "roles:manage"
	PermClientsRead         = "clients:read"
	PermClientsWrite        = "clients:write"
	PermDocumentationCreate = "documentation:create"
	PermBillingProcess      = "billing:process"
	PermAuditRead           = "audit:read"
	PermAuditExport         = "audit:export"
	PermComplianceManage    = "compliance:manage"
)

// BuiltinPermissions is the closed catalog seeded at startup. Roles and custom
// grants are validated against it at assignment time, never on the check path.
var BuiltinPermissions = []Permission{
	{Resource: "organizations", Action: "manage", Description: "Create and configure organizations"},
	{Resource: "users", Action: "manage", Description: "Manage user accounts and role assignments"},
	{Resource: "roles", Action: "manage", Description: "Author roles and permission sets"},
	{Resource: "clients", Action: "read", Description: "View client records"},
	{Resource: "clients", Action: "write", Description: "Create and update client records"},
	{Resource: "documentation", Action: "create", Description: "Write shift notes and care documentation"},
	{Resource: "scheduling", Action: "read", Description: "View schedules and appointments"},
	{Resource: "scheduling", Action: "write", Description: "Manage schedules and appointments"},
	{Resource: "billing", Action: "process", Description: "Process billing and claims"},
	{Resource: "reports", Action: "read", Description: "Run operational reports"},
	{Resource: "audit", Action: "read", Description: "Query the audit log"},
	{Resource: "audit", Action: "export", Description: "Export audit history"},
	{Resource: "compliance", Action: "manage", Description: "Acknowledge and resolve compliance violations"},
}

// Catalog validates permission keys against the registered set.
type Catalog struct {
	byKey map[string]Permission
}

// NewCatalog builds a catalog from registered permissions.
func NewCatalog(perms []Permission) *Catalog {
	c := &Catalog{byKey: make(map[string]Permission, len(perms))}
	for _, p := range perms {
		c.byKey[p.Key()] = p
	}
	return c
}

// Lookup returns the catalog entry for a key.
func (c *Catalog) Lookup(key string) (Permission, bool) {
	p, ok := c.byKey[strings.TrimSpace(key)]
	return p, ok
}

// ValidateKeys fails fast on any key absent from the catalog, so typos surface
// when a role is authored rather than silently never matching.
func (c *Catalog) ValidateKeys(keys []string) error {
	for _, key := range keys {
		if _, ok := c.Lookup(key); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, key)
		}
	}
	return nil
}

// SplitKey parses "resource:action". Returns an error for malformed keys.
func SplitKey(key string) (resource, action string, err error) {
	key = strings.TrimSpace(key)
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
	}
	return parts[0], parts[1], nil
}
