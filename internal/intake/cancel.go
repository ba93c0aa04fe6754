package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/metrics"
)

const cancelReason = "cancelled by user"

// Cancel stops tracking a submitted record and marks it cancelled right away.
// The backend is told in the background; its answer is logged and never
// written back. Terminal records are left alone.
func (t *Tracker) Cancel(localID string) error {
	var (
		err  error
		note *Notification
	)
	t.mutate(func(b *batch) {
		rec := t.findLocked(localID)
		if rec == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRecord, localID)
			return
		}
		if rec.Status.Terminal() {
			return
		}
		if rec.JobID == "" {
			err = &ValidationError{Message: fmt.Sprintf("%s has no job yet; remove it instead", rec.Name)}
			return
		}
		if h, ok := t.polls[rec.JobID]; ok {
			t.releaseLocked(h)
		}
		rec.Status = StatusCancelled
		rec.Progress = 0
		rec.StatusMessage = msgCancelled
		rec.UpdatedAt = time.Now().UTC()
		metrics.IncTerminal(string(StatusCancelled))
		b.touch()
		note = &Notification{
			Level:   LevelInfo,
			LocalID: rec.LocalID,
			JobID:   rec.JobID,
			CaseID:  rec.CaseID,
			Message: fmt.Sprintf("Cancellation requested for %s", rec.Name),
		}
	})
	if err != nil || note == nil {
		return err
	}
	t.cancelRemote(note.JobID)
	t.deps.Notifier.Notify(*note)
	return nil
}

func (t *Tracker) cancelRemote(jobID string) {
	if t.deps.Canceller == nil {
		return
	}
	t.bgWG.Add(1)
	go func() {
		defer t.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.CancelTimeout)
		defer cancel()

		err := t.deps.Canceller.CancelJob(ctx, jobID, cancelReason)
		switch {
		case err == nil:
			metrics.IncCancellation("ok")
			log.Info().Str("job_id", jobID).Msg("backend cancellation acknowledged")
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			metrics.IncCancellation("timeout")
			log.Warn().Str("job_id", jobID).Dur("timeout", t.opts.CancelTimeout).Msg("backend cancellation timed out")
		default:
			metrics.IncCancellation("error")
			log.Warn().Err(err).Str("job_id", jobID).Msg("backend cancellation failed")
		}
	}()
}
