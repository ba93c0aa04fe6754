package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/api"
	"github.com/local/docintake/internal/metrics"
)

const (
	msgNotFound  = "Could not verify job status: the server no longer knows this job"
	msgConnLost  = "Connection lost while tracking job status"
	msgCancelled = "Cancelled by user"
)

var errNoStatusSource = errors.New("no status source configured")

// Backoff factors applied to the current poll interval.
const (
	successFactor  = 0.9
	notFoundFactor = 1.5
	netErrorFactor = 2.0
)

// pollHandle is the registry entry for one job's status loop.
type pollHandle struct {
	jobID    string
	localID  string
	cancel   context.CancelFunc
	interval time.Duration
	notFound int
	netErrs  int
}

// StartPoll begins tracking jobID for the record. It returns false when a
// poll for jobID is already registered or the tracker is closed.
func (t *Tracker) StartPoll(localID, jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startPollLocked(localID, jobID)
}

func (t *Tracker) startPollLocked(localID, jobID string) bool {
	if jobID == "" || t.closed {
		return false
	}
	if _, ok := t.polls[jobID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(t.ctx)
	h := &pollHandle{jobID: jobID, localID: localID, cancel: cancel, interval: t.opts.PollInterval}
	t.polls[jobID] = h
	metrics.SetActivePolls(len(t.polls))

	t.pollWG.Add(1)
	go t.runPoll(ctx, h)
	return true
}

// releaseLocked unregisters h if it is still the current handle for its job.
func (t *Tracker) releaseLocked(h *pollHandle) {
	if cur, ok := t.polls[h.jobID]; ok && cur == h {
		delete(t.polls, h.jobID)
		metrics.SetActivePolls(len(t.polls))
	}
	h.cancel()
}

func (t *Tracker) runPoll(ctx context.Context, h *pollHandle) {
	defer t.pollWG.Done()
	logger := log.With().Str("job_id", h.jobID).Str("local_id", h.localID).Logger()
	logger.Debug().Msg("poll started")
	defer logger.Debug().Msg("poll stopped")

	for {
		var st api.JobStatus
		err := errNoStatusSource
		if t.deps.Status != nil {
			st, err = t.deps.Status.JobStatus(ctx, h.jobID)
		}
		if ctx.Err() != nil {
			return
		}
		delay, done := t.applyCheck(h, st, err)
		if done {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// applyCheck folds one status response into the record and returns the
// delay before the next check.
func (t *Tracker) applyCheck(h *pollHandle, st api.JobStatus, err error) (delay time.Duration, done bool) {
	t.mutate(func(b *batch) {
		if t.polls[h.jobID] != h {
			done = true
			return
		}
		rec := t.findLocked(h.localID)
		if rec == nil || rec.JobID != h.jobID || rec.Status.Terminal() {
			t.releaseLocked(h)
			done = true
			return
		}

		switch {
		case err == nil:
			metrics.IncPollCheck("ok")
			h.notFound, h.netErrs = 0, 0
			h.interval = t.shrink(h.interval)
			t.applyStatusLocked(b, rec, st)
		case api.IsNotFound(err):
			metrics.IncPollCheck("not_found")
			h.notFound++
			h.netErrs = 0
			log.Warn().Str("job_id", h.jobID).Int("attempt", h.notFound).Msg("job not found")
			if h.notFound >= t.opts.MaxNotFound {
				t.finishLocked(b, rec, StatusFailed, msgNotFound)
			} else {
				h.interval = t.grow(h.interval, notFoundFactor)
			}
		default:
			metrics.IncPollCheck("network")
			h.netErrs++
			log.Warn().Err(err).Str("job_id", h.jobID).Int("attempt", h.netErrs).Bool("transient", api.IsTransient(err)).Msg("status check failed")
			if h.netErrs >= t.opts.MaxNetworkErrors {
				t.finishLocked(b, rec, StatusFailed, fmt.Sprintf("%s: %s", msgConnLost, api.Message(err)))
			} else {
				h.interval = t.grow(h.interval, netErrorFactor)
			}
		}

		if rec.Status.Terminal() {
			t.releaseLocked(h)
			done = true
			return
		}
		delay = h.interval
	})
	return delay, done
}

func (t *Tracker) applyStatusLocked(b *batch, rec *FileRecord, st api.JobStatus) {
	tr := TranslateStatus(st)
	if !tr.Known {
		log.Warn().Str("job_id", rec.JobID).Str("status", st.Status).Msg("unknown backend status; treating as processing")
	}
	switch tr.Status {
	case StatusCompleted:
		rec.Result = st.Metadata
		t.finishLocked(b, rec, StatusCompleted, tr.Message)
		return
	case StatusFailed:
		t.finishLocked(b, rec, StatusFailed, tr.Message)
		return
	}

	next := tr.Status
	if rec.Status == StatusProcessing && next == StatusQueued {
		next = StatusProcessing
	}
	progress := clampProgress(st.Progress)
	if progress < rec.Progress {
		progress = rec.Progress
	}
	msg := rec.StatusMessage
	if tr.Message != "" {
		msg = tr.Message
	} else if next != rec.Status {
		msg = ""
	}
	if next == rec.Status && progress == rec.Progress && msg == rec.StatusMessage {
		return
	}
	rec.Status = next
	rec.Progress = progress
	rec.StatusMessage = msg
	rec.UpdatedAt = time.Now().UTC()
	b.touch()
}

// finishLocked writes a terminal status and queues its notification.
func (t *Tracker) finishLocked(b *batch, rec *FileRecord, status Status, msg string) {
	rec.Status = status
	rec.StatusMessage = msg
	rec.UpdatedAt = time.Now().UTC()
	switch status {
	case StatusCompleted:
		rec.Progress = 100
	default:
		rec.Progress = 0
	}
	b.touch()
	metrics.IncTerminal(string(status))

	n := Notification{LocalID: rec.LocalID, JobID: rec.JobID, CaseID: rec.CaseID}
	switch status {
	case StatusCompleted:
		if _, seen := t.notified[rec.LocalID]; seen {
			return
		}
		t.notified[rec.LocalID] = struct{}{}
		n.Level = LevelSuccess
		n.Message = fmt.Sprintf("%s processed", rec.Name)
		b.notify(n)
		t.scheduleRemovalLocked(rec.LocalID)
	case StatusFailed:
		n.Level = LevelError
		n.Message = fmt.Sprintf("%s failed: %s", rec.Name, msg)
		b.notify(n)
	}
}

func (t *Tracker) scheduleRemovalLocked(localID string) {
	if t.closed {
		return
	}
	if _, ok := t.removals[localID]; ok {
		return
	}
	t.removals[localID] = time.AfterFunc(t.opts.RemoveDelay, func() {
		t.mutate(func(b *batch) {
			if _, ok := t.removals[localID]; !ok {
				return
			}
			delete(t.removals, localID)
			rec := t.findLocked(localID)
			if rec == nil || rec.Status != StatusCompleted {
				return
			}
			t.removeLocked(localID)
			b.touch()
		})
	})
}

func (t *Tracker) shrink(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * successFactor)
	if next < t.opts.PollInterval {
		return t.opts.PollInterval
	}
	return next
}

func (t *Tracker) grow(d time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(d) * factor)
	if next > t.opts.MaxPollInterval {
		return t.opts.MaxPollInterval
	}
	return next
}
