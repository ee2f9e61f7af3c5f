package audit

import "context"

// Repository is append-only: there is no update or delete.
type Repository interface {
	Append(ctx context.Context, evs ...AccessEvent) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]AccessEvent, int, error)
}
