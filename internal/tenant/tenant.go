// Package tenant binds every request to exactly one organization scope and
// verifies that data access stays inside it.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"starline.org/internal/access"
)

var (
	// ErrAuthenticationRequired means no usable tenant scope could be derived.
	ErrAuthenticationRequired = errors.New("tenant: authentication required")
	// ErrMismatch marks a cross-tenant access attempt. Callers must surface it
	// to the outside exactly like a missing resource.
	ErrMismatch = errors.New("tenant: organization mismatch")
)

// Scope is the tenant binding for one request. AllOrganizations is only set
// for super admins and every operation under it must be audited as elevated.
type Scope struct {
	OrganizationID   string
	AllOrganizations bool
}

// Covers reports whether the scope covers the given organization.
func (s Scope) Covers(organizationID string) bool {
	if s.AllOrganizations {
		return true
	}
	return s.OrganizationID != "" && s.OrganizationID == organizationID
}

type scopeContextKey struct{}

// ContextWithScope attaches the bound scope to the context.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the bound scope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	v, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok {
		return Scope{}, false
	}
	return v, true
}

// SubdomainLookup resolves a subdomain to an organization.
type SubdomainLookup interface {
	OrganizationBySubdomain(ctx context.Context, subdomain string) (access.Organization, error)
}

// Guard derives and checks tenant scopes.
type Guard struct {
	lookup     SubdomainLookup
	baseDomain string
}

// NewGuard builds a guard. baseDomain (e.g. "starline.app") is stripped from
// request hosts to extract the tenant subdomain; empty disables subdomain
// derivation.
func NewGuard(lookup SubdomainLookup, baseDomain string) *Guard {
	return &Guard{lookup: lookup, baseDomain: strings.TrimSpace(strings.ToLower(baseDomain))}
}

// Bind derives the tenant scope for a request, in priority order: the token's
// organization claim, then the request host's subdomain. A super admin with no
// organization binds the wildcard scope. Anything else is an authentication
// failure, not a not-found, so resource existence is never revealed.
func (g *Guard) Bind(ctx context.Context, principal access.Principal, host string) (Scope, error) {
	if principal.User.OrganizationID != "" {
		return Scope{OrganizationID: principal.User.OrganizationID}, nil
	}
	if principal.User.SuperAdmin {
		return Scope{AllOrganizations: true}, nil
	}
	sub := g.subdomainFromHost(host)
	if sub != "" && g.lookup != nil {
		org, err := g.lookup.OrganizationBySubdomain(ctx, sub)
		if err == nil && org.Active {
			return Scope{OrganizationID: org.ID}, nil
		}
	}
	return Scope{}, ErrAuthenticationRequired
}

// Verify checks that a resource's organization is covered by the bound scope.
// Returns ErrMismatch for cross-tenant access; the HTTP boundary converts it
// to the same observable response as a nonexistent resource and records the
// probe in the audit log.
func (g *Guard) Verify(scope Scope, resourceOrganizationID string) error {
	if scope.Covers(resourceOrganizationID) {
		return nil
	}
	return fmt.Errorf("%w: organization %s outside bound scope", ErrMismatch, resourceOrganizationID)
}

func (g *Guard) subdomainFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || g.baseDomain == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	suffix := "." + g.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}
