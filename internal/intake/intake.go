package intake

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/filetype"
)

// sniffLen covers the longest signature mimetype inspects by default.
const sniffLen = 3072

// AddResult reports what happened to an offered batch.
type AddResult struct {
	Accepted []string // local ids, in offer order
	Rejected []string // names with a disallowed extension
	Dropped  int      // allowed files beyond the remaining quota
}

// SetActiveCaseID sets the case id stamped onto newly added records.
func (t *Tracker) SetActiveCaseID(caseID string) {
	t.mu.Lock()
	t.activeCase = strings.TrimSpace(caseID)
	t.mu.Unlock()
}

// Add validates offered files against the extension allow-list and the
// collection quota and appends the accepted ones as pending records.
func (t *Tracker) Add(files []*RawFile) AddResult {
	var res AddResult
	type candidate struct {
		raw     *RawFile
		info    filetype.Info
		pages   int
		sniffed bool
	}
	var allowed []candidate
	for _, f := range files {
		if f == nil {
			continue
		}
		if !t.detector.Allowed(f.Name) {
			res.Rejected = append(res.Rejected, f.Name)
			continue
		}
		allowed = append(allowed, candidate{raw: f})
	}
	if len(res.Rejected) > 0 {
		log.Info().Strs("files", res.Rejected).Msg("files rejected by extension allow-list")
	}

	t.mu.Lock()
	quota := t.opts.MaxFiles - len(t.records)
	t.mu.Unlock()
	if quota < 0 {
		quota = 0
	}
	// Sniff only what can plausibly fit; the final cut happens under the lock.
	for i := range allowed {
		if i >= quota {
			break
		}
		allowed[i].info, allowed[i].pages = t.sniff(allowed[i].raw)
		allowed[i].sniffed = true
	}

	t.mutate(func(b *batch) {
		room := t.opts.MaxFiles - len(t.records)
		if room < 0 {
			room = 0
		}
		take := len(allowed)
		if take > room {
			take = room
		}
		res.Dropped = len(allowed) - take
		now := time.Now().UTC()
		for _, c := range allowed[:take] {
			info, pages := c.info, c.pages
			if !c.sniffed {
				info, pages = t.detector.Detect(c.raw.Name, nil), 0
			}
			rec := &FileRecord{
				LocalID:   uuid.NewString(),
				Name:      c.raw.Name,
				SizeBytes: c.raw.Size,
				Kind:      info.Kind,
				MIMEType:  info.MIMEType,
				Pages:     pages,
				CaseID:    t.activeCase,
				Status:    StatusPending,
				AddedAt:   now,
				UpdatedAt: now,
				raw:       c.raw,
			}
			t.records = append(t.records, rec)
			res.Accepted = append(res.Accepted, rec.LocalID)
			b.touch()
		}
	})
	if res.Dropped > 0 {
		log.Warn().Int("dropped", res.Dropped).Int("max_files", t.opts.MaxFiles).Msg("file quota reached, extra files dropped")
	}
	return res
}

func (t *Tracker) sniff(f *RawFile) (filetype.Info, int) {
	var head io.Reader
	if rc, err := f.Open(); err == nil {
		defer rc.Close()
		head = io.LimitReader(rc, sniffLen)
	}
	info := t.detector.Detect(f.Name, head)
	if f.Path == "" || info.Extension != ".pdf" {
		return info, 0
	}
	n, err := filetype.PageCount(f.Path)
	if err != nil {
		log.Debug().Err(err).Str("file", f.Name).Msg("pdf page count unavailable")
		return info, 0
	}
	return info, n
}

// SetCaseID changes the case id of a pending record.
func (t *Tracker) SetCaseID(localID, caseID string) error {
	var err error
	t.mutate(func(b *batch) {
		rec := t.findLocked(localID)
		if rec == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRecord, localID)
			return
		}
		if rec.Status != StatusPending {
			err = &ValidationError{Field: "caseId", Message: fmt.Sprintf("%s is %s; only pending files can change case", rec.Name, rec.Status)}
			return
		}
		rec.CaseID = strings.TrimSpace(caseID)
		rec.UpdatedAt = time.Now().UTC()
		b.touch()
	})
	return err
}

// Remove drops a record that is pending or terminal and frees its quota slot.
func (t *Tracker) Remove(localID string) error {
	var err error
	t.mutate(func(b *batch) {
		rec := t.findLocked(localID)
		if rec == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRecord, localID)
			return
		}
		if rec.Status.inFlight() {
			err = &ValidationError{Message: fmt.Sprintf("%s is %s; cancel it first", rec.Name, rec.Status)}
			return
		}
		t.removeLocked(localID)
		delete(t.notified, localID)
		b.touch()
	})
	return err
}

// Retry puts a record that failed before getting a job id back to pending,
// provided its content is still held.
func (t *Tracker) Retry(localID string) error {
	var err error
	t.mutate(func(b *batch) {
		rec := t.findLocked(localID)
		if rec == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRecord, localID)
			return
		}
		if rec.Status != StatusFailed || rec.JobID != "" || rec.raw == nil {
			err = &ValidationError{Message: fmt.Sprintf("%s cannot be retried; add the file again", rec.Name)}
			return
		}
		rec.Status = StatusPending
		rec.StatusMessage = ""
		rec.Progress = 0
		rec.UpdatedAt = time.Now().UTC()
		b.touch()
	})
	return err
}
