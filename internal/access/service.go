package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"starline.org/internal/ids"
)

const (
	defaultRefreshTTL      = 14 * 24 * time.Hour
	defaultLockoutAttempts = 5
	defaultLockoutWindow   = 15 * time.Minute
)

// Service provides account, role and token operations for the access core.
type Service struct {
	store    Store
	resolver *Resolver
	signer   *TokenSigner
	catalog  *Catalog

	now             func() time.Time
	refreshTTL      time.Duration
	lockoutAttempts int
	lockoutWindow   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRefreshTTL configures refresh session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithLockout configures the failed-login threshold and lock duration.
func WithLockout(attempts int, window time.Duration) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.lockoutAttempts = attempts
		}
		if window > 0 {
			s.lockoutWindow = window
		}
	}
}

// NewService constructs the access service.
func NewService(store Store, resolver *Resolver, signer *TokenSigner, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("access store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	svc := &Service{
		store:           store,
		resolver:        resolver,
		signer:          signer,
		catalog:         NewCatalog(BuiltinPermissions),
		now:             time.Now,
		refreshTTL:      defaultRefreshTTL,
		lockoutAttempts: defaultLockoutAttempts,
		lockoutWindow:   defaultLockoutWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Catalog exposes the permission catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Resolver exposes the permission resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// EnsureBuiltins seeds the permission catalog rows.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// --- organizations ---

func (s *Service) CreateOrganization(ctx context.Context, name, subdomain string) (Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Organization{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	subdomain = normalizeSubdomain(subdomain)
	if subdomain == "" {
		return Organization{}, fmt.Errorf("%w: valid subdomain is required", ErrInvalidInput)
	}
	org := Organization{ID: ids.New(), Name: name, Subdomain: subdomain, Active: true}
	if err := s.store.CreateOrganization(ctx, &org); err != nil {
		return Organization{}, err
	}
	return org, nil
}

func (s *Service) GetOrganization(ctx context.Context, id string) (Organization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Organization{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.GetOrganization(ctx, id)
}

func (s *Service) OrganizationBySubdomain(ctx context.Context, subdomain string) (Organization, error) {
	subdomain = normalizeSubdomain(subdomain)
	if subdomain == "" {
		return Organization{}, fmt.Errorf("%w: subdomain is required", ErrInvalidInput)
	}
	return s.store.GetOrganizationBySubdomain(ctx, subdomain)
}

func (s *Service) ListOrganizations(ctx context.Context) ([]Organization, error) {
	return s.store.ListOrganizations(ctx)
}

func (s *Service) UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Organization{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Organization{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
		}
		upd.Name = &trimmed
	}
	return s.store.UpdateOrganization(ctx, id, upd)
}

// --- users ---

func (s *Service) CreateUser(ctx context.Context, organizationID, email, password, firstName, lastName string) (User, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return User{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	user := User{
		ID:             ids.New(),
		OrganizationID: organizationID,
		Email:          email,
		PasswordHash:   hash,
		FirstName:      strings.TrimSpace(firstName),
		LastName:       strings.TrimSpace(lastName),
		Status:         UserStatusActive,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, organizationID string) ([]User, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.ListUsers(ctx, organizationID)
}

func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if upd.Email != nil {
		trimmed := strings.TrimSpace(strings.ToLower(*upd.Email))
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &trimmed
	}
	if upd.Status != nil {
		status := strings.TrimSpace(strings.ToLower(*upd.Status))
		switch status {
		case UserStatusActive, UserStatusInactive, UserStatusSuspended, UserStatusPending:
		default:
			return User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
		}
		upd.Status = &status
	}
	if upd.Password != nil {
		pw := strings.TrimSpace(*upd.Password)
		if pw == "" {
			return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(pw)
		if err != nil {
			return User{}, err
		}
		upd.Password = &hash
	}
	return s.store.UpdateUser(ctx, id, upd)
}

// AssignRole assigns a role to a user and invalidates the cached resolution
// before returning, so the change is visible to the user's next request.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	// Tenant-scoped roles are only assignable inside their own organization.
	if role.OrganizationID != "" && role.OrganizationID != user.OrganizationID {
		return ErrNotFound
	}
	if err := s.store.SetUserRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.resolver.Invalidate(ctx, userID)
	return nil
}

// SetCustomPermissions replaces a user's custom grant set. When useCustom is
// true the custom set overrides the role entirely at resolution time.
func (s *Service) SetCustomPermissions(ctx context.Context, userID string, permissionKeys []string, useCustom bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	keys := dedupeKeys(permissionKeys)
	if err := s.catalog.ValidateKeys(keys); err != nil {
		return err
	}
	if err := s.store.SetCustomPermissions(ctx, userID, keys, useCustom); err != nil {
		return err
	}
	s.resolver.Invalidate(ctx, userID)
	return nil
}

// --- roles ---

func (s *Service) CreateRole(ctx context.Context, organizationID, name, description string) (Role, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return Role{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := Role{
		ID:             ids.New(),
		OrganizationID: organizationID,
		Name:           name,
		Description:    strings.TrimSpace(description),
	}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, id)
}

// ListRoles returns the organization's roles plus the global system roles.
func (s *Service) ListRoles(ctx context.Context, organizationID string) ([]Role, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.ListRoles(ctx, organizationID)
}

func (s *Service) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	role, err := s.guardRoleMutation(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return s.store.UpdateRole(ctx, role.ID, upd)
}

func (s *Service) DeleteRole(ctx context.Context, id string) error {
	role, err := s.guardRoleMutation(ctx, id)
	if err != nil {
		return err
	}
	if err := s.resolver.InvalidateRole(ctx, role.ID); err != nil {
		return err
	}
	return s.store.DeleteRole(ctx, role.ID)
}

// SetRolePermissions replaces a role's grant set. Keys are validated against
// the catalog so typos fail at authoring time, and every principal holding the
// role has its cached resolution dropped before the call returns.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	role, err := s.guardRoleMutation(ctx, roleID)
	if err != nil {
		return err
	}
	keys := dedupeKeys(permissionKeys)
	if err := s.catalog.ValidateKeys(keys); err != nil {
		return err
	}
	if err := s.store.SetRolePermissions(ctx, role.ID, keys); err != nil {
		return err
	}
	return s.resolver.InvalidateRole(ctx, role.ID)
}

// RolePermissionKeys lists the grant keys currently held by a role.
func (s *Service) RolePermissionKeys(ctx context.Context, roleID string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	perms, err := s.store.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	sort.Strings(keys)
	return keys, nil
}

// guardRoleMutation loads the role and refuses system-role mutation for
// anyone without super-admin standing.
func (s *Service) guardRoleMutation(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemRole {
		actor, ok := PrincipalFromContext(ctx)
		if !ok || !actor.User.SuperAdmin {
			return Role{}, ErrSystemRole
		}
	}
	return role, nil
}

// --- permissions ---

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// --- principals and tokens ---

// Principal loads a user with resolved effective permissions.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	set, err := s.resolver.Resolve(ctx, user)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, Permissions: set}, nil
}

// TokenPair carries freshly minted credentials.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginMeta carries request metadata persisted with the session.
type LoginMeta struct {
	IPAddress string
	UserAgent string
}

// Login authenticates credentials and issues a token pair. Failed attempts
// are counted and the account locks once the threshold is reached. When the
// email matches an account but the attempt is rejected, the returned
// Principal still carries the account's id and organization so the caller
// can attribute the failure in the audit trail.
func (s *Service) Login(ctx context.Context, email, password string, meta LoginMeta) (TokenPair, Principal, error) {
	if s.signer == nil {
		return TokenPair{}, Principal{}, errors.New("token signer not configured")
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	attempted := Principal{User: User{ID: user.ID, OrganizationID: user.OrganizationID}}
	now := s.now().UTC()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return TokenPair{}, attempted, ErrAccountLocked
	}
	if user.Status != UserStatusActive {
		return TokenPair{}, attempted, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		var lockUntil *time.Time
		if user.FailedLoginAttempts+1 >= s.lockoutAttempts {
			until := now.Add(s.lockoutWindow)
			lockUntil = &until
		}
		_ = s.store.RecordLoginFailure(ctx, user.ID, lockUntil)
		return TokenPair{}, attempted, ErrUnauthorized
	}
	if err := s.store.ResetLoginFailures(ctx, user.ID); err != nil {
		return TokenPair{}, Principal{}, err
	}
	principal, err := s.Principal(ctx, user.ID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal, meta)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Refresh rotates the refresh session and issues a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	if s.signer == nil {
		return TokenPair{}, Principal{}, errors.New("token signer not configured")
	}
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrInvalidToken
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return TokenPair{}, Principal{}, ErrInvalidToken
	}
	now := s.now().UTC()
	if session.RevokedAt != nil || now.After(session.ExpiresAt) {
		return TokenPair{}, Principal{}, ErrInvalidToken
	}
	if !secureCompareHash(session.TokenHash, secret) {
		// Possible token theft; kill the session.
		_ = s.store.RevokeSession(ctx, session.ID)
		return TokenPair{}, Principal{}, ErrInvalidToken
	}
	principal, err := s.Principal(ctx, session.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.store.RevokeSession(ctx, session.ID); err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal, LoginMeta{IPAddress: session.IPAddress, UserAgent: session.UserAgent})
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Logout revokes the refresh session named by the token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sessionID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	return s.store.RevokeSession(ctx, sessionID)
}

// AuthenticateToken validates an access token and returns the principal with
// a freshly resolved permission set.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	if s.signer == nil {
		return Principal{}, ErrInvalidToken
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	principal, err := s.Principal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if principal.User.Status != UserStatusActive {
		return Principal{}, ErrInvalidToken
	}
	return principal, nil
}

func (s *Service) mintTokens(ctx context.Context, principal Principal, meta LoginMeta) (TokenPair, error) {
	accessToken, accessExp, err := s.signer.Sign(principal)
	if err != nil {
		return TokenPair{}, err
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return TokenPair{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	session := Session{
		ID:        ids.New(),
		UserID:    principal.User.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		ExpiresAt: s.now().UTC().Add(s.refreshTTL),
	}
	if err := s.store.CreateSession(ctx, &session); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     session.ID + "." + secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// --- helpers ---

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func dedupeKeys(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func normalizeSubdomain(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			continue
		}
		return ""
	}
	return s
}
