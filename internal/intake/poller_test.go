package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docintake/internal/api"
)

// submitOne adds and submits a single file; the fake assigns job-1.
func submitOne(t *testing.T, tr *Tracker) string {
	t.Helper()
	id := addForCase(t, tr, "C-1", "doc.pdf")[0]
	_, err := tr.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", mustRecord(t, tr, id).JobID)
	return id
}

func TestStartPollIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	fb.hold = make(chan struct{})
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())

	assert.True(t, tr.StartPoll("local-1", "job-x"))
	assert.False(t, tr.StartPoll("local-1", "job-x"))
	assert.False(t, tr.StartPoll("local-2", "job-x"))
	assert.False(t, tr.StartPoll("local-3", ""))
	assert.Equal(t, []string{"job-x"}, tr.ActivePolls())

	require.Eventually(t, func() bool { return fb.callCount("job-x") == 1 }, waitFor, tick)
	tr.StopAll()
	assert.Empty(t, tr.ActivePolls())
	assert.Equal(t, 1, fb.callCount("job-x"))
}

func TestPollSubmittedRecordTwiceKeepsOneLoop(t *testing.T) {
	fb := newFakeBackend()
	fb.hold = make(chan struct{})
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	assert.False(t, tr.StartPoll(id, "job-1"))
	assert.Equal(t, []string{"job-1"}, tr.ActivePolls())
}

func TestPollWithoutStatusSourceFails(t *testing.T) {
	fb := newFakeBackend()
	tr := New(Dependencies{Submitter: fb, Notifier: &recorder{}}, testOptions())
	t.Cleanup(tr.Close)
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return statusOf(tr, id) == StatusFailed }, waitFor, tick)
	r := mustRecord(t, tr, id)
	assert.Contains(t, r.StatusMessage, msgConnLost)
	assert.Contains(t, r.StatusMessage, "no status source")
	assert.Empty(t, tr.ActivePolls())
}

func TestProgressNeverDecreases(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", processing(40), processing(10))
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return mustRecord(t, tr, id).Progress == 40 }, waitFor, tick)
	require.Eventually(t, func() bool { return fb.callCount("job-1") >= 4 }, waitFor, tick)

	rec := mustRecord(t, tr, id)
	assert.Equal(t, 40, rec.Progress)
	assert.Equal(t, StatusProcessing, rec.Status)
}

func TestQueuedDoesNotDemoteProcessing(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1",
		processing(30),
		statusStep{st: api.JobStatus{Status: "queued", Progress: 0}},
	)
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return fb.callCount("job-1") >= 3 }, waitFor, tick)
	rec := mustRecord(t, tr, id)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, 30, rec.Progress)
}

func TestNotFoundThresholdFails(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", notFound())
	rec := &recorder{}
	tr := newTestTracker(t, fb, Dependencies{Notifier: rec}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return statusOf(tr, id) == StatusFailed }, waitFor, tick)
	tr.StopAll()

	r := mustRecord(t, tr, id)
	assert.Equal(t, msgNotFound, r.StatusMessage)
	assert.Zero(t, r.Progress)
	assert.Equal(t, 3, fb.callCount("job-1"))
	assert.Empty(t, tr.ActivePolls())
	assert.Equal(t, 1, rec.count(LevelError))
}

func TestNotFoundBelowThresholdKeepsPolling(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1",
		notFound(), notFound(), processing(20),
		notFound(), notFound(), processing(30),
	)
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return mustRecord(t, tr, id).Progress == 30 }, waitFor, tick)
	assert.Equal(t, StatusProcessing, statusOf(tr, id))
	assert.Equal(t, []string{"job-1"}, tr.ActivePolls())
}

func TestNetworkErrorThresholdFails(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", netErr())
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return statusOf(tr, id) == StatusFailed }, waitFor, tick)
	tr.StopAll()
	assert.Contains(t, mustRecord(t, tr, id).StatusMessage, msgConnLost)
	assert.Equal(t, 3, fb.callCount("job-1"))
}

func TestNotFoundResetsNetworkErrors(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1",
		netErr(), netErr(), notFound(),
		netErr(), netErr(), processing(60),
	)
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return mustRecord(t, tr, id).Progress == 60 }, waitFor, tick)
	assert.Equal(t, StatusProcessing, statusOf(tr, id))
}

func TestCompletionNotifiesOnceAndRemoves(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", processing(50), finished(map[string]any{"pages": float64(12)}))
	rec := &recorder{}
	opts := testOptions()
	opts.RemoveDelay = 150 * time.Millisecond
	tr := newTestTracker(t, fb, Dependencies{Notifier: rec}, opts)
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return statusOf(tr, id) == StatusCompleted }, waitFor, tick)
	r := mustRecord(t, tr, id)
	assert.Equal(t, 100, r.Progress)
	assert.Equal(t, map[string]any{"pages": float64(12)}, r.Result)
	assert.Empty(t, tr.ActivePolls())

	require.Eventually(t, func() bool { _, ok := tr.Record(id); return !ok }, waitFor, tick)
	assert.Equal(t, 1, rec.count(LevelSuccess))
	assert.Zero(t, rec.count(LevelError))
}

func TestServerSideCancelSurfacesAsFailed(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", statusStep{st: api.JobStatus{Status: "REVOKED", Progress: 70}})
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	require.Eventually(t, func() bool { return statusOf(tr, id) == StatusFailed }, waitFor, tick)
	r := mustRecord(t, tr, id)
	assert.Equal(t, msgServerCancelled, r.StatusMessage)
	assert.Zero(t, r.Progress)
}

func TestAutoCleanedJobUsesFinalStatus(t *testing.T) {
	fb := newFakeBackend()
	fb.submitFn = func(caseID string, files []api.Upload) ([]string, error) {
		return []string{"job-done", "job-lost"}, nil
	}
	fb.script("job-done", statusStep{st: api.JobStatus{Status: "completed", AutoCleaned: true, FinalStatus: "success"}})
	fb.script("job-lost", statusStep{st: api.JobStatus{Status: "cleaned", AutoCleaned: true, FinalStatus: "error"}})
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	ids := addForCase(t, tr, "C-1", "a.pdf", "b.pdf")
	_, err := tr.Submit(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(tr, ids[0]) == StatusCompleted && statusOf(tr, ids[1]) == StatusFailed
	}, waitFor, tick)
	assert.Equal(t, 100, mustRecord(t, tr, ids[0]).Progress)
}

func TestIntervalBackoff(t *testing.T) {
	tr := New(Dependencies{}, Options{PollInterval: time.Second, MaxPollInterval: 8 * time.Second})
	defer tr.Close()

	assert.Equal(t, time.Second, tr.shrink(time.Second))
	assert.InDelta(t, float64(1800*time.Millisecond), float64(tr.shrink(2*time.Second)), float64(time.Microsecond))
	assert.Equal(t, 3*time.Second, tr.grow(2*time.Second, notFoundFactor))
	assert.Equal(t, 8*time.Second, tr.grow(6*time.Second, netErrorFactor))
}

func TestWaitReturnsWhenNothingInFlight(t *testing.T) {
	fb := newFakeBackend()
	fb.script("job-1", processing(30), finished(nil))
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	id := submitOne(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	assert.Equal(t, StatusCompleted, statusOf(tr, id))
}

func TestWaitHonoursContext(t *testing.T) {
	fb := newFakeBackend()
	fb.hold = make(chan struct{})
	tr := newTestTracker(t, fb, Dependencies{}, testOptions())
	submitOne(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)
}
