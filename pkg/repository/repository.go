package repository

import (
	"context"

	"github.com/pkg/errors"
)

// Predicate selects items from a repository.
type Predicate[T any] func(T) bool

// Cloner is implemented by entities that can produce a detached copy of
// themselves. Repositories hand out and accept clones so callers never share
// mutable state with the store.
type Cloner[T any] interface {
	Clone() T
}

// Repository is the persistence seam for a single entity type. Implementations
// must provide per-item atomicity; cross-item transactions are out of scope.
type Repository[T Cloner[T]] interface {
	// GetOne returns the first item matching the predicate.
	GetOne(ctx context.Context, pred Predicate[T]) (T, bool, error)
	// FindAll returns every item matching the predicate. A nil predicate
	// matches everything.
	FindAll(ctx context.Context, pred Predicate[T]) ([]T, error)
	// Add inserts a new item.
	Add(ctx context.Context, item T) error
	// Update applies fn to every item matching the predicate and stores the
	// result. Returns the number of items updated.
	Update(ctx context.Context, pred Predicate[T], fn func(T) T) (int, error)
	// Upsert replaces the first item matching the predicate, or inserts the
	// item when nothing matches. Used for singletons such as the per-timeline
	// history document.
	Upsert(ctx context.Context, pred Predicate[T], item T) error
}

var ErrNotFound = errors.New("repository: not found")
