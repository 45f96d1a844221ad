package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipeline/internal/alert"
	"docpipeline/internal/jobstore"
	"docpipeline/pkg/models"
)

func launched(t *testing.T, h *harness, sourceID string) *models.JobHandle {
	t.Helper()
	handle, err := h.launcher.Launch(context.Background(), eventFor(sourceID))
	require.NoError(t, err)
	require.Equal(t, models.StateStarted, handle.State)
	return handle
}

func TestOnSignal_SucceededFetchesResult(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	require.NoError(t, h.listener.OnSignal(context.Background(), signal(handle.JobID, models.OutcomeSucceeded)))

	rec := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, models.StateSucceeded, rec.State)
	assert.NotEmpty(t, rec.ResultRef)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1, rec.FetchAttempt)

	doc := h.sink.docs[rec.DedupeKey]
	require.NotEmpty(t, doc)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, handle.JobID, parsed["job_id"])
	assert.Equal(t, "bucket/doc1.pdf", parsed["source_id"])
	assert.Equal(t, 0, h.alertCount())
}

func TestOnSignal_FailedIsTerminal(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	require.NoError(t, h.listener.OnSignal(context.Background(), signal(handle.JobID, models.OutcomeFailed)))

	rec := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Contains(t, rec.Reason, models.ReasonBackendFailed)
	assert.Empty(t, rec.ResultRef)
	assert.Equal(t, 1, h.alertCount())

	_, gets := h.backend.counts()
	assert.Equal(t, 0, gets)
}

func TestOnSignal_UnknownJobChangesNothing(t *testing.T) {
	h := newHarness(t)
	launched(t, h, "bucket/doc1.pdf")
	before := h.record(t, "bucket/doc1.pdf")

	err := h.listener.OnSignal(context.Background(), signal("J-foreign", models.OutcomeSucceeded))
	var unknown *UnknownJobError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "J-foreign", unknown.JobID)

	after := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.State, after.State)

	// Other signals are still processed.
	require.NoError(t, h.listener.OnSignal(context.Background(), signal(before.JobID, models.OutcomeSucceeded)))
	assert.Equal(t, models.StateSucceeded, h.record(t, "bucket/doc1.pdf").State)
}

func TestOnSignal_DuplicateIsDropped(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()

	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded)))
	first := h.record(t, "bucket/doc1.pdf")

	err := h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded))
	assert.ErrorIs(t, err, ErrDuplicateSignal)

	err = h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeFailed))
	assert.ErrorIs(t, err, ErrDuplicateSignal)

	second := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, models.StateSucceeded, second.State)

	_, gets := h.backend.counts()
	assert.Equal(t, 1, gets)
}

func TestOnSignal_RacingSignalsApplyOnce(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	const signals = 20
	errs := make([]error, signals)

	var wg sync.WaitGroup
	for i := 0; i < signals; i++ {
		outcome := models.OutcomeSucceeded
		if i%2 == 1 {
			outcome = models.OutcomeFailed
		}
		wg.Add(1)
		go func(i int, outcome models.Outcome) {
			defer wg.Done()
			errs[i] = h.listener.OnSignal(context.Background(), signal(handle.JobID, outcome))
		}(i, outcome)
	}
	wg.Wait()

	var applied int
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateSignal)
	}
	assert.Equal(t, 1, applied)

	rec := h.record(t, "bucket/doc1.pdf")
	require.True(t, rec.State.IsTerminal(), rec.State.String())
	_, gets := h.backend.counts()
	if rec.State == models.StateSucceeded {
		assert.Equal(t, 1, gets)
		assert.Equal(t, 0, h.alertCount())
	} else {
		assert.Equal(t, models.StateFailed, rec.State)
		assert.Equal(t, 0, gets)
		assert.Equal(t, 1, h.alertCount())
	}
}

func TestOnSignal_UnknownOutcomeIsMalformed(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")
	before := h.record(t, "bucket/doc1.pdf")

	err := h.listener.OnSignal(context.Background(), signal(handle.JobID, models.Outcome("CANCELLED")))
	assert.ErrorIs(t, err, ErrMalformedSignal)
	assert.NotErrorIs(t, err, ErrDuplicateSignal)

	after := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, models.StateStarted, after.State)
}

func TestTransition_AlertIsBounded(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	var notified error
	blocking := alert.NotifierFunc(func(ctx context.Context, a alert.Alert) error {
		<-ctx.Done()
		notified = ctx.Err()
		return ctx.Err()
	})
	orch := New(h.store, Options{Notifier: blocking, Now: h.clock.Now, AlertTimeout: 20 * time.Millisecond})

	start := time.Now()
	rec, err := orch.Transition(context.Background(), handle.DedupeKey, models.StateFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, notified, context.DeadlineExceeded)
}

func TestOnSignal_DispatchRejectedLeavesAwaiting(t *testing.T) {
	h := newHarness(t, withDispatcher(rejectDispatcher{}))
	handle := launched(t, h, "bucket/doc1.pdf")

	require.NoError(t, h.listener.OnSignal(context.Background(), signal(handle.JobID, models.OutcomeSucceeded)))
	assert.Equal(t, models.StateAwaitingResult, h.record(t, "bucket/doc1.pdf").State)
}

func TestFetch_CachedAfterSuccess(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()

	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded)))
	rec := h.record(t, "bucket/doc1.pdf")

	for i := 0; i < 3; i++ {
		outcome, err := h.fetcher.Fetch(ctx, handle.JobID)
		require.NoError(t, err)
		assert.True(t, outcome.Cached)
		assert.Equal(t, rec.ResultRef, outcome.ResultRef)
		assert.Nil(t, outcome.Result)
	}

	_, gets := h.backend.counts()
	assert.Equal(t, 1, gets)
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, withDispatcher(rejectDispatcher{}))
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()
	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded)))

	h.backend.resultErrs = []error{errMalformed, errMalformed}
	outcome, err := h.fetcher.Fetch(ctx, handle.JobID)
	require.NoError(t, err)
	assert.False(t, outcome.Cached)
	assert.NotEmpty(t, outcome.ResultRef)
	require.NotNil(t, outcome.Result)

	rec := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, models.StateSucceeded, rec.State)
	assert.Equal(t, 3, rec.FetchAttempt)
}

func TestFetch_ExhaustedIsResultUnavailable(t *testing.T) {
	h := newHarness(t, withDispatcher(rejectDispatcher{}))
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()
	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded)))

	h.backend.resultErrs = []error{errMalformed, errMalformed, errMalformed}
	_, err := h.fetcher.Fetch(ctx, handle.JobID)

	var unavailable *ResultUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)

	rec := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, models.StateErrored, rec.State)
	assert.Equal(t, models.ReasonResultUnavailable, rec.Reason)
	assert.Equal(t, 1, h.alertCount())
}

func TestFetch_AttemptsCountThisCall(t *testing.T) {
	h := newHarness(t, withDispatcher(rejectDispatcher{}))
	handle := launched(t, h, "bucket/doc1.pdf")
	require.NoError(t, h.listener.OnSignal(context.Background(), signal(handle.JobID, models.OutcomeSucceeded)))

	// An earlier fetch stopped after one failed call.
	h.backend.resultErrs = []error{errMalformed}
	h.fetcher.cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.fetcher.Fetch(ctx, handle.JobID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, models.StateAwaitingResult, h.record(t, "bucket/doc1.pdf").State)

	h.fetcher.cfg.Backoff = Backoff{Base: time.Millisecond, Max: time.Millisecond}
	h.backend.resultErrs = []error{errMalformed, errMalformed, errMalformed}
	_, err = h.fetcher.Fetch(context.Background(), handle.JobID)

	var unavailable *ResultUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Equal(t, 4, h.record(t, "bucket/doc1.pdf").FetchAttempt)
}

func TestFetch_SinkFailureIsRetried(t *testing.T) {
	h := newHarness(t, withDispatcher(rejectDispatcher{}))
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()
	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeSucceeded)))

	h.sink.err = errors.New("bucket unavailable")
	_, err := h.fetcher.Fetch(ctx, handle.JobID)
	var unavailable *ResultUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorContains(t, err, "bucket unavailable")
}

func TestFetch_RejectsUnknownAndNotReady(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	_, err := h.fetcher.Fetch(context.Background(), "J-none")
	var unknown *UnknownJobError
	assert.ErrorAs(t, err, &unknown)

	_, err = h.fetcher.Fetch(context.Background(), handle.JobID)
	assert.ErrorIs(t, err, ErrNotAwaitingResult)
}

func TestTransition_RejectsOutOfTerminal(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()
	require.NoError(t, h.listener.OnSignal(ctx, signal(handle.JobID, models.OutcomeFailed)))
	before := h.record(t, "bucket/doc1.pdf")

	for _, to := range []models.JobState{models.StateStarted, models.StatePending, models.StateSucceeded, models.StateErrored} {
		_, err := h.orch.Transition(ctx, before.DedupeKey, to, nil)
		var te *TransitionError
		require.ErrorAs(t, err, &te, to)
		assert.Equal(t, models.StateFailed, te.From)
	}

	after := h.record(t, "bucket/doc1.pdf")
	assert.Equal(t, before.Version, after.Version)
}

func TestTransition_RejectsBackward(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	_, err := h.orch.Transition(context.Background(), handle.DedupeKey, models.StatePending, nil)
	assert.True(t, IsTransitionError(err))
}

func TestTransition_JobIDIsImmutable(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	_, err := h.orch.Transition(context.Background(), handle.DedupeKey, models.StateAwaitingResult, func(r *models.JobRecord) error {
		r.JobID = "J-other"
		return nil
	})
	assert.ErrorIs(t, err, ErrJobIDImmutable)
	assert.Equal(t, models.StateStarted, h.record(t, "bucket/doc1.pdf").State)
}

func TestAnnotate_RefusesStateChange(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")

	_, err := h.orch.Annotate(context.Background(), handle.DedupeKey, func(r *models.JobRecord) error {
		r.State = models.StateSucceeded
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, models.StateStarted, h.record(t, "bucket/doc1.pdf").State)
}

func TestLookup(t *testing.T) {
	h := newHarness(t)
	handle := launched(t, h, "bucket/doc1.pdf")
	ctx := context.Background()

	byKey, err := h.orch.Lookup(ctx, handle.DedupeKey)
	require.NoError(t, err)
	byJob, err := h.orch.Lookup(ctx, handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, byKey.DedupeKey, byJob.DedupeKey)

	_, err = h.orch.Lookup(ctx, "nothing")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}
