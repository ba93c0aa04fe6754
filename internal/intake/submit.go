package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/api"
	"github.com/local/docintake/internal/metrics"
)

// GroupResult is the outcome of one per-case submission.
type GroupResult struct {
	CaseID   string
	LocalIDs []string
	JobIDs   []string
	Err      error
}

// SubmitResult lists group outcomes in first-appearance order of case ids.
type SubmitResult struct {
	Groups []GroupResult
}

// Failed counts groups that did not get job ids.
func (r SubmitResult) Failed() int {
	n := 0
	for _, g := range r.Groups {
		if g.Err != nil {
			n++
		}
	}
	return n
}

// ErrJobCountMismatch marks a response whose job ids do not line up with the files sent.
var ErrJobCountMismatch = errors.New("job id count mismatch")

type submitGroup struct {
	caseID  string
	records []*FileRecord
}

// Submit sends every pending record, one backend call per case id. Any pending
// record without a case id aborts the whole call before anything changes.
func (t *Tracker) Submit(ctx context.Context) (SubmitResult, error) {
	var (
		groups []*submitGroup
		verr   error
	)
	t.mutate(func(b *batch) {
		var pending []*FileRecord
		for _, r := range t.records {
			if r.Status == StatusPending {
				pending = append(pending, r)
			}
		}
		if len(pending) == 0 {
			verr = ErrNothingToSubmit
			return
		}
		var missing []string
		for _, r := range pending {
			if strings.TrimSpace(r.CaseID) == "" {
				missing = append(missing, r.Name)
			}
		}
		if len(missing) > 0 {
			verr = &ValidationError{Field: "caseId", Message: "case id required for " + strings.Join(missing, ", ")}
			return
		}

		index := make(map[string]*submitGroup)
		now := time.Now().UTC()
		for _, r := range pending {
			key := strings.TrimSpace(r.CaseID)
			g, ok := index[key]
			if !ok {
				g = &submitGroup{caseID: key}
				index[key] = g
				groups = append(groups, g)
			}
			g.records = append(g.records, r)
			r.Status = StatusSubmitting
			r.StatusMessage = "Uploading"
			r.UpdatedAt = now
		}
		b.touch()
	})
	if verr != nil {
		return SubmitResult{}, verr
	}

	var res SubmitResult
	for _, g := range groups {
		res.Groups = append(res.Groups, t.submitGroup(ctx, g))
	}
	return res, nil
}

func (t *Tracker) submitGroup(ctx context.Context, g *submitGroup) GroupResult {
	out := GroupResult{CaseID: g.caseID}
	uploads := make([]api.Upload, len(g.records))
	for i, r := range g.records {
		uploads[i] = r.raw.upload(r.Name)
		out.LocalIDs = append(out.LocalIDs, r.LocalID)
	}

	logger := log.With().Str("case_id", g.caseID).Int("files", len(uploads)).Logger()
	logger.Info().Msg("submitting case group")

	var ids []string
	var err error
	if t.deps.Submitter == nil {
		err = errors.New("no submitter configured")
	} else {
		ids, err = t.deps.Submitter.Submit(ctx, g.caseID, uploads)
	}
	if err == nil {
		err = checkJobIDs(ids, len(uploads))
	}

	t.mutate(func(b *batch) {
		if err == nil {
			err = t.checkTrackedLocked(ids)
		}
		now := time.Now().UTC()
		if err != nil {
			msg := "Upload failed: " + api.Message(err)
			for _, r := range g.records {
				if t.findLocked(r.LocalID) == nil {
					continue
				}
				r.Status = StatusFailed
				r.Progress = 0
				r.StatusMessage = msg
				r.UpdatedAt = now
				metrics.IncTerminal(string(StatusFailed))
			}
			b.notify(Notification{Level: LevelError, CaseID: g.caseID, Message: fmt.Sprintf("Upload for case %s failed: %s", g.caseID, api.Message(err))})
			b.touch()
			return
		}
		for i, r := range g.records {
			r.JobID = ids[i]
			r.Status = StatusQueued
			r.StatusMessage = "Queued for processing"
			r.UpdatedAt = now
			t.startPollLocked(r.LocalID, r.JobID)
		}
		b.touch()
	})

	result := "ok"
	switch {
	case errors.Is(err, ErrJobCountMismatch):
		result = "mismatch"
	case err != nil:
		result = "error"
	}
	metrics.IncSubmission(result, len(uploads))

	if err != nil {
		logger.Error().Err(err).Bool("transient", api.IsTransient(err)).Msg("case group submission failed")
		out.Err = err
		return out
	}
	out.JobIDs = ids
	logger.Info().Strs("job_ids", ids).Msg("case group submitted")
	return out
}

func checkJobIDs(ids []string, files int) error {
	if len(ids) != files {
		return fmt.Errorf("%w: backend returned %d job ids for %d files", ErrJobCountMismatch, len(ids), files)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: backend returned an empty job id", ErrJobCountMismatch)
		}
		if seen[id] {
			return fmt.Errorf("%w: backend returned job id %s twice", ErrJobCountMismatch, id)
		}
		seen[id] = true
	}
	return nil
}

// checkTrackedLocked rejects job ids that already belong to another record
// or poll, which would otherwise leave a queued record with nothing polling it.
func (t *Tracker) checkTrackedLocked(ids []string) error {
	for _, id := range ids {
		if _, ok := t.polls[id]; ok || t.hasJobLocked(id) {
			return fmt.Errorf("%w: backend returned job id %s which is already tracked", ErrJobCountMismatch, id)
		}
	}
	return nil
}
