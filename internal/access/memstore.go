package access

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"starline.org/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and single-process development.
type MemStore struct {
	mu            sync.RWMutex
	organizations map[string]Organization
	users         map[string]User
	roles         map[string]Role
	permissions   map[string]Permission // by key "resource:action"
	rolePerms     map[string][]string   // role id -> permission keys
	userPerms     map[string][]string   // user id -> permission keys
	sessions      map[string]Session
	now           func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		organizations: make(map[string]Organization),
		users:         make(map[string]User),
		roles:         make(map[string]Role),
		permissions:   make(map[string]Permission),
		rolePerms:     make(map[string][]string),
		userPerms:     make(map[string][]string),
		sessions:      make(map[string]Session),
		now:           time.Now,
	}
}

// --- organizations ---

func (m *MemStore) CreateOrganization(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.organizations {
		if existing.Subdomain == org.Subdomain {
			return ErrConflict
		}
	}
	if org.ID == "" {
		org.ID = ids.New()
	}
	org.CreatedAt = m.now().UTC()
	org.UpdatedAt = org.CreatedAt
	m.organizations[org.ID] = *org
	return nil
}

func (m *MemStore) GetOrganization(_ context.Context, id string) (Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (m *MemStore) GetOrganizationBySubdomain(_ context.Context, subdomain string) (Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, org := range m.organizations {
		if org.Subdomain == subdomain {
			return org, nil
		}
	}
	return Organization{}, ErrNotFound
}

func (m *MemStore) ListOrganizations(_ context.Context) ([]Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Organization, 0, len(m.organizations))
	for _, org := range m.organizations {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) UpdateOrganization(_ context.Context, id string, upd OrganizationUpdate) (Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	if upd.Name != nil {
		org.Name = *upd.Name
	}
	if upd.Active != nil {
		org.Active = *upd.Active
	}
	org.UpdatedAt = m.now().UTC()
	m.organizations[id] = org
	return org, nil
}

// --- users ---

func (m *MemStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	if u.OrganizationID != "" {
		if _, ok := m.organizations[u.OrganizationID]; !ok {
			return ErrNotFound
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.CreatedAt = m.now().UTC()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = *u
	return nil
}

func (m *MemStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemStore) ListUsers(_ context.Context, organizationID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.OrganizationID == organizationID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *MemStore) UpdateUser(_ context.Context, id string, upd UserUpdate) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	u.UpdatedAt = m.now().UTC()
	m.users[id] = u
	return u, nil
}

func (m *MemStore) SetUserRole(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if roleID != "" {
		if _, ok := m.roles[roleID]; !ok {
			return ErrNotFound
		}
	}
	u.RoleID = roleID
	u.UpdatedAt = m.now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemStore) SetCustomPermissions(_ context.Context, userID string, permissionKeys []string, useCustom bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	keys := make([]string, 0, len(permissionKeys))
	for _, k := range permissionKeys {
		if _, ok := m.permissions[k]; ok {
			keys = append(keys, k)
		}
	}
	m.userPerms[userID] = keys
	u.UseCustomPermissions = useCustom
	u.UpdatedAt = m.now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemStore) RecordLoginFailure(_ context.Context, userID string, lockUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts++
	if lockUntil != nil {
		t := *lockUntil
		u.LockedUntil = &t
	}
	m.users[userID] = u
	return nil
}

func (m *MemStore) ResetLoginFailures(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	m.users[userID] = u
	return nil
}

// --- roles ---

func (m *MemStore) CreateRole(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.OrganizationID != "" {
		if _, ok := m.organizations[role.OrganizationID]; !ok {
			return ErrNotFound
		}
	}
	for _, existing := range m.roles {
		if existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	role.CreatedAt = m.now().UTC()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = *role
	return nil
}

func (m *MemStore) GetRole(_ context.Context, id string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *MemStore) ListRoles(_ context.Context, organizationID string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Role
	for _, role := range m.roles {
		if role.OrganizationID == organizationID || role.OrganizationID == "" {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) UpdateRole(_ context.Context, id string, upd RoleUpdate) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = m.now().UTC()
	m.roles[id] = role
	return role, nil
}

func (m *MemStore) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for uid, u := range m.users {
		if u.RoleID == id {
			u.RoleID = ""
			m.users[uid] = u
		}
	}
	return nil
}

func (m *MemStore) SetRolePermissions(_ context.Context, roleID string, permissionKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	keys := make([]string, 0, len(permissionKeys))
	for _, k := range permissionKeys {
		if _, ok := m.permissions[k]; ok {
			keys = append(keys, k)
		}
	}
	m.rolePerms[roleID] = keys
	return nil
}

func (m *MemStore) RolePermissions(_ context.Context, roleID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.roles[roleID]; !ok {
		return nil, ErrNotFound
	}
	return m.permissionsForKeys(m.rolePerms[roleID]), nil
}

func (m *MemStore) CustomPermissions(_ context.Context, userID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permissionsForKeys(m.userPerms[userID]), nil
}

func (m *MemStore) permissionsForKeys(keys []string) []Permission {
	out := make([]Permission, 0, len(keys))
	for _, k := range keys {
		if p, ok := m.permissions[k]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *MemStore) UserIDsWithRole(_ context.Context, roleID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, u := range m.users {
		if u.RoleID == roleID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- permission catalog ---

func (m *MemStore) EnsurePermissions(_ context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if existing, ok := m.permissions[p.Key()]; ok {
			existing.Description = p.Description
			m.permissions[p.Key()] = existing
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = m.now().UTC()
		m.permissions[p.Key()] = p
	}
	return nil
}

func (m *MemStore) ListPermissions(_ context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// --- sessions ---

func (m *MemStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	s.CreatedAt = m.now().UTC()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.TrimSpace(id)]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		t := m.now().UTC()
		s.RevokedAt = &t
		m.sessions[id] = s
	}
	return nil
}

func (m *MemStore) RevokeUserSessions(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now().UTC()
	for id, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &t
			m.sessions[id] = s
		}
	}
	return nil
}
