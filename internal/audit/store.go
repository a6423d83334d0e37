package audit

import "context"

// Store persists audit records. The interface is append-and-read only: no
// update or delete exists on any code path, and the schema backs that up with
// a trigger rejecting both.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context, f Filter) (int, error)
}
