package streaming

import (
	"context"
	"sync"
)

// CancellationRegistry tracks in-flight operations by request id so a
// cancel request arriving on a different connection can stop them.
type CancellationRegistry interface {
	// TryRegister records the cancel function under requestID. It returns
	// false when the id is already registered, in which case the caller must
	// reject the duplicate operation.
	TryRegister(requestID string, cancel context.CancelFunc) bool
	// Cancel invokes and removes the cancel function for requestID.
	// It reports whether an operation was found.
	Cancel(requestID string) bool
	// Remove drops the registration without cancelling.
	Remove(requestID string)
}

type MemoryCancellationRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewMemoryCancellationRegistry() *MemoryCancellationRegistry {
	return &MemoryCancellationRegistry{
		cancels: make(map[string]context.CancelFunc),
	}
}

func (r *MemoryCancellationRegistry) TryRegister(requestID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[requestID]; ok {
		return false
	}
	r.cancels[requestID] = cancel
	return true
}

func (r *MemoryCancellationRegistry) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[requestID]
	delete(r.cancels, requestID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *MemoryCancellationRegistry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, requestID)
}

var _ CancellationRegistry = &MemoryCancellationRegistry{}
