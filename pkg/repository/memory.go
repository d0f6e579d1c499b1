package repository

import (
	"context"
	"sync"
)

// MemoryRepository is the reference in-memory implementation. Items are kept
// as clones so the caller's copy and the stored copy never alias.
type MemoryRepository[T Cloner[T]] struct {
	mu    sync.RWMutex
	items []T
}

func NewMemoryRepository[T Cloner[T]]() *MemoryRepository[T] {
	return &MemoryRepository[T]{}
}

var _ Repository[*noopEntity] = (*MemoryRepository[*noopEntity])(nil)

func (r *MemoryRepository[T]) GetOne(ctx context.Context, pred Predicate[T]) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, item := range r.items {
		if pred == nil || pred(item) {
			return item.Clone(), true, nil
		}
	}
	return zero, false, nil
}

func (r *MemoryRepository[T]) FindAll(ctx context.Context, pred Predicate[T]) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret []T
	for _, item := range r.items {
		if pred == nil || pred(item) {
			ret = append(ret, item.Clone())
		}
	}
	return ret, nil
}

func (r *MemoryRepository[T]) Add(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item.Clone())
	return nil
}

func (r *MemoryRepository[T]) Update(ctx context.Context, pred Predicate[T], fn func(T) T) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i, item := range r.items {
		if pred == nil || pred(item) {
			r.items[i] = fn(item.Clone()).Clone()
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository[T]) Upsert(ctx context.Context, pred Predicate[T], item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if pred(existing) {
			r.items[i] = item.Clone()
			return nil
		}
	}
	r.items = append(r.items, item.Clone())
	return nil
}

// noopEntity only exists to state the interface conformance above.
type noopEntity struct{}

func (e *noopEntity) Clone() *noopEntity {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
