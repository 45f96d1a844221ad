package analysis

import (
	"context"
	"fmt"
	"sync"
)

// Factory creates a backend.
type Factory func(ctx context.Context) (Backend, error)

// Lazy is a process-scoped Backend that creates its client on first use.
// A failed creation is not remembered; the next call tries again.
type Lazy struct {
	factory Factory

	mu      sync.Mutex
	backend Backend
}

// NewLazy returns a Backend that calls factory on first use.
func NewLazy(factory Factory) *Lazy {
	return &Lazy{factory: factory}
}

func (l *Lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend != nil {
		return l.backend, nil
	}
	b, err := l.factory(ctx)
	if err != nil {
		return nil, err
	}
	l.backend = b
	return b, nil
}

// StartJob implements Backend.
func (l *Lazy) StartJob(ctx context.Context, src SourceRef, opts StartOptions) (string, error) {
	b, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return b.StartJob(ctx, src, opts)
}

// GetResult implements Backend.
func (l *Lazy) GetResult(ctx context.Context, jobID string) (*Result, error) {
	b, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return b.GetResult(ctx, jobID)
}

// JobStatus implements StatusChecker when the underlying backend does.
func (l *Lazy) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	b, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	sc, ok := b.(StatusChecker)
	if !ok {
		return "", fmt.Errorf("%w: backend %T cannot report job status", ErrInvalidConfiguration, b)
	}
	return sc.JobStatus(ctx, jobID)
}

// Close closes the underlying backend if it was created.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend == nil {
		return nil
	}
	err := l.backend.Close()
	l.backend = nil
	return err
}
