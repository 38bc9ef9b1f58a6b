// Package repo is a small generic Neo4j-backed repository layer. The
// cognate graph store builds its cluster persistence on it; writes are
// MERGE-based so replays land idempotently on stable ids.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no node carries the requested id.
var ErrNotFound = errors.New("repo: not found")

// ListOpts pages a List call.
type ListOpts struct {
	Offset int
	Limit  int
}

// Repository is the read/merge surface the graph store needs.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Save(ctx context.Context, entity T) error
}
