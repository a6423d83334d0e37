package compliance

import (
	"context"
	"time"
)

// Store persists violations and their lifecycle updates.
type Store interface {
	CreateViolation(ctx context.Context, v *Violation) error
	GetViolation(ctx context.Context, id string) (Violation, error)
	ListViolations(ctx context.Context, f Filter) ([]Violation, error)
	UpdateViolationStatus(ctx context.Context, v Violation) error

	// OpenViolationSince reports whether an open violation for the same
	// rule, organization and actor already exists after the cutoff. Used
	// to suppress duplicate alerts inside a detection window.
	OpenViolationSince(ctx context.Context, organizationID, rule, actorID string, since time.Time) (bool, error)
}
