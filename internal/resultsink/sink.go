// Package resultsink persists analysis result documents and resolves the
// references the job store keeps for them.
//
// Two sinks exist:
//   - StoreSink keeps results inline in the job database (db://results/<key>)
//   - ObjectSink writes them to an S3-compatible bucket (s3://<bucket>/<prefix>/<key>.json)
package resultsink

import (
	"context"
	"errors"
	"strings"

	"docpipeline/internal/jobstore"
)

// Sink persists a result document and returns an opaque reference.
// Writing the same dedupe key twice must be safe.
type Sink interface {
	Put(ctx context.Context, dedupeKey string, payload []byte) (string, error)
}

// Reader resolves a reference back to the stored document.
type Reader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// StoreSink stores results in the job store's results table.
type StoreSink struct {
	store *jobstore.Store
}

// NewStoreSink creates a sink over store.
func NewStoreSink(store *jobstore.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Put implements Sink.
func (s *StoreSink) Put(ctx context.Context, dedupeKey string, payload []byte) (string, error) {
	ref, err := s.store.PutResult(ctx, dedupeKey, payload)
	if err != nil {
		return "", wrap("StoreSink.Put", err, dedupeKey)
	}
	return ref, nil
}

// Get implements Reader.
func (s *StoreSink) Get(ctx context.Context, ref string) ([]byte, error) {
	payload, err := s.store.GetResult(ctx, ref)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, jobstore.ErrNotFound):
		return nil, wrap("StoreSink.Get", ErrNotFound, ref)
	case errors.Is(err, jobstore.ErrInvalidRef):
		return nil, wrap("StoreSink.Get", ErrInvalidRef, ref)
	default:
		return nil, wrap("StoreSink.Get", err, ref)
	}
}

// Resolver dispatches a reference to the reader that owns its scheme.
type Resolver struct {
	readers map[string]Reader
}

// NewResolver creates a Resolver. Each reader is registered under its scheme,
// for example "db" or "s3".
func NewResolver(readers map[string]Reader) *Resolver {
	return &Resolver{readers: readers}
}

// Get implements Reader.
func (r *Resolver) Get(ctx context.Context, ref string) ([]byte, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, wrap("Resolver.Get", ErrInvalidRef, ref)
	}
	reader, ok := r.readers[scheme]
	if !ok || reader == nil {
		return nil, wrap("Resolver.Get", ErrInvalidRef, "no reader for scheme "+scheme)
	}
	return reader.Get(ctx, ref)
}
