package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipeline/internal/alert"
	"docpipeline/internal/analysis"
	"docpipeline/internal/jobstore"
	"docpipeline/pkg/models"
)

var (
	errTransient = analysis.WrapBackendError("StartJob", analysis.ErrTransient, "throttled")
	errRejected  = analysis.WrapBackendError("StartJob", fmt.Errorf("%w: %w", analysis.ErrPermanent, analysis.ErrUnsupportedFormat), "bad input")
	errMalformed = analysis.WrapBackendError("GetResult", analysis.ErrMalformedResult, "no documents")
)

// fakeBackend records calls and replays scripted errors.
type fakeBackend struct {
	mu         sync.Mutex
	starts     int
	gets       int
	startErrs  []error
	resultErrs []error
	startDelay time.Duration
	statuses   map[string]analysis.JobStatus
}

func (f *fakeBackend) StartJob(ctx context.Context, src analysis.SourceRef, opts analysis.StartOptions) (string, error) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	var err error
	if len(f.startErrs) > 0 {
		err, f.startErrs = f.startErrs[0], f.startErrs[1:]
	}
	delay := f.startDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("J%d", n), nil
}

func (f *fakeBackend) GetResult(ctx context.Context, jobID string) (*analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	if len(f.resultErrs) > 0 {
		err := f.resultErrs[0]
		f.resultErrs = f.resultErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &analysis.Result{
		JobID:       jobID,
		Outputs:     []analysis.Output{{InputURI: "gs://bucket/doc1.pdf", OutputURI: "gs://out/" + jobID + "/"}},
		Payload:     []byte(`{"state":"SUCCEEDED"}`),
		CompletedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (analysis.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[jobID]; ok {
		return s, nil
	}
	return analysis.JobRunning, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) counts() (starts, gets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.gets
}

// memSink keeps result documents in memory.
type memSink struct {
	mu   sync.Mutex
	docs map[string][]byte
	err  error
}

func (s *memSink) Put(ctx context.Context, dedupeKey string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.docs == nil {
		s.docs = make(map[string][]byte)
	}
	s.docs[dedupeKey] = payload
	return "mem://" + dedupeKey, nil
}

type rejectDispatcher struct{}

func (rejectDispatcher) Submit(func(ctx context.Context)) error {
	return errors.New("queue full")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	path       string
	store      *jobstore.Store
	orch       *Orchestrator
	backend    *fakeBackend
	sink       *memSink
	clock      *fakeClock
	launcher   *Launcher
	fetcher    *Fetcher
	listener   *Listener
	reconciler *Reconciler
	dispatcher Dispatcher

	alertsMu sync.Mutex
	alerts   []alert.Alert
}

type harnessOption func(*harness)

func withDispatcher(d Dispatcher) harnessOption {
	return func(h *harness) { h.dispatcher = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		path:    filepath.Join(t.TempDir(), "jobs.db"),
		backend: &fakeBackend{statuses: map[string]analysis.JobStatus{}},
		sink:    &memSink{},
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.open(t)
	return h
}

// open wires every component over the store at h.path.
func (h *harness) open(t *testing.T) {
	t.Helper()
	store, err := jobstore.Open(jobstore.DriverSQLite, h.path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notifier := alert.NotifierFunc(func(ctx context.Context, a alert.Alert) error {
		h.alertsMu.Lock()
		defer h.alertsMu.Unlock()
		h.alerts = append(h.alerts, a)
		return nil
	})

	backoff := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}
	h.store = store
	h.orch = New(store, Options{Notifier: notifier, Now: h.clock.Now})
	h.launcher = NewLauncher(h.orch, h.backend, LauncherConfig{MaxAttempts: 3, Backoff: backoff})
	h.fetcher = NewFetcher(h.orch, h.backend, h.sink, FetcherConfig{MaxAttempts: 3, Backoff: backoff})
	h.listener = NewListener(h.orch, h.fetcher, h.dispatcher)
	h.reconciler = NewReconciler(h.orch, h.launcher, h.listener, h.fetcher, h.backend, ReconcileConfig{
		JobMaxAge:       time.Hour,
		SignalGrace:     5 * time.Minute,
		FetchStallAfter: 5 * time.Minute,
	})
}

func (h *harness) alertCount() int {
	h.alertsMu.Lock()
	defer h.alertsMu.Unlock()
	return len(h.alerts)
}

func (h *harness) record(t *testing.T, sourceID string) *models.JobRecord {
	t.Helper()
	rec, err := h.orch.Get(context.Background(), models.DedupeKeyFor(sourceID))
	require.NoError(t, err)
	return rec
}

func eventFor(sourceID string) models.SourceReadyEvent {
	bucket, key, _ := splitSource(sourceID)
	return models.SourceReadyEvent{
		SourceID:  sourceID,
		Bucket:    bucket,
		Key:       key,
		DedupeKey: models.DedupeKeyFor(sourceID),
	}
}

func splitSource(sourceID string) (string, string, bool) {
	ref, err := analysis.ParseSourceID(sourceID)
	if err != nil {
		return "", "", false
	}
	return ref.Bucket, ref.Key, true
}

func signal(jobID string, outcome models.Outcome) models.CompletionSignal {
	return models.CompletionSignal{JobID: jobID, Outcome: outcome, Status: string(outcome)}
}
