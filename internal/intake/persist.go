package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const msgPayloadLost = "File content not available after restart; add the file again"

// Restore loads the persisted collection, dropping duplicate job ids (first
// wins), and resumes polling for every non-terminal record with a job id.
// It returns the number of polls started.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	data, err := t.deps.Store.Load(ctx, t.opts.SnapshotKey)
	if err != nil {
		return 0, fmt.Errorf("load upload snapshot: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	var saved []FileRecord
	if err := json.Unmarshal(data, &saved); err != nil {
		return 0, fmt.Errorf("decode upload snapshot: %w", err)
	}

	resumed := 0
	t.mutate(func(b *batch) {
		seen := make(map[string]bool)
		now := time.Now().UTC()
		for i := range saved {
			rec := saved[i]
			if rec.LocalID == "" || t.findLocked(rec.LocalID) != nil {
				continue
			}
			if rec.JobID != "" {
				if seen[rec.JobID] || t.hasJobLocked(rec.JobID) {
					log.Warn().Str("job_id", rec.JobID).Str("local_id", rec.LocalID).Msg("duplicate job in snapshot dropped")
					continue
				}
				seen[rec.JobID] = true
			}
			if rec.JobID == "" && !rec.Status.Terminal() {
				rec.Status = StatusFailed
				rec.Progress = 0
				rec.StatusMessage = msgPayloadLost
				rec.UpdatedAt = now
			}
			r := &rec
			t.records = append(t.records, r)
			b.touch()

			switch {
			case r.Status == StatusCompleted:
				t.notified[r.LocalID] = struct{}{}
				t.scheduleRemovalLocked(r.LocalID)
			case r.JobID != "" && !r.Status.Terminal():
				if t.startPollLocked(r.LocalID, r.JobID) {
					resumed++
				}
			}
		}
	})
	log.Info().Int("records", len(saved)).Int("resumed", resumed).Msg("upload state restored")
	return resumed, nil
}
