package access

import (
	"context"
	"errors"
	"time"

	"starline.org/internal/obs"
)

// DefaultResolveTTL bounds how long a cached resolution may serve requests.
// Mutations invalidate synchronously, so the TTL only covers out-of-band edits.
const DefaultResolveTTL = 5 * time.Minute

// Resolver computes the effective permission set for a principal.
//
// Resolution precedence is strict: when UseCustomPermissions is set the custom
// grants replace role grants entirely; otherwise the assigned role is
// authoritative; a principal with neither resolves to the empty set.
type Resolver struct {
	store Store
	cache Cache
	ttl   time.Duration
}

// NewResolver builds a resolver. A nil cache disables caching.
func NewResolver(store Store, cache Cache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultResolveTTL
	}
	return &Resolver{store: store, cache: cache, ttl: ttl}
}

// Resolve returns the effective permission set for the user.
// Permission ids referenced by a role or custom set that no longer exist in
// the catalog are simply absent from the result, never an error.
func (r *Resolver) Resolve(ctx context.Context, user User) (PermissionSet, error) {
	if r.cache != nil {
		if set, ok := r.cache.Get(ctx, user.ID); ok {
			return set, nil
		}
	}

	var (
		perms []Permission
		err   error
	)
	switch {
	case user.UseCustomPermissions:
		perms, err = r.store.CustomPermissions(ctx, user.ID)
	case user.RoleID != "":
		perms, err = r.store.RolePermissions(ctx, user.RoleID)
		if errors.Is(err, ErrNotFound) {
			// Dangling role assignment resolves to zero grants.
			perms, err = nil, nil
		}
	default:
		// No role, no custom grants: fail closed.
	}
	if err != nil {
		return nil, err
	}

	set := NewPermissionSet(perms)
	if r.cache != nil {
		r.cache.Set(ctx, user.ID, set, r.ttl)
	}
	return set, nil
}

// Can reports whether the user may exercise (resource, action).
func (r *Resolver) Can(ctx context.Context, user User, resource, action string) (bool, error) {
	set, err := r.Resolve(ctx, user)
	if err != nil {
		return false, err
	}
	granted := set.Has(resource, action)
	obs.ObserveAuthzDecision(granted)
	return granted, nil
}

// Invalidate drops the cached resolution for one principal. Called
// synchronously by every mutation of that principal's grants so the next
// request observes the change (read-your-writes).
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	if r.cache != nil {
		r.cache.Delete(ctx, userID)
	}
}

// InvalidateRole drops cached resolutions for every principal assigned the
// role whose permission set changed.
func (r *Resolver) InvalidateRole(ctx context.Context, roleID string) error {
	if r.cache == nil {
		return nil
	}
	userIDs, err := r.store.UserIDsWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		r.cache.Delete(ctx, id)
	}
	return nil
}
