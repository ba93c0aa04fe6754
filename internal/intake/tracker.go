package intake

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/api"
	"github.com/local/docintake/internal/filetype"
	"github.com/local/docintake/internal/metrics"
	"github.com/local/docintake/internal/store"
)

// Submitter uploads one case group and returns job ids in file order.
type Submitter interface {
	Submit(ctx context.Context, caseID string, files []api.Upload) ([]string, error)
}

// StatusSource answers one status check for a job.
type StatusSource interface {
	JobStatus(ctx context.Context, jobID string) (api.JobStatus, error)
}

// Canceller asks the backend to stop a job.
type Canceller interface {
	CancelJob(ctx context.Context, jobID, reason string) error
}

// SnapshotStore holds the serialized collection under a single key.
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Dependencies groups the collaborators of a Tracker.
type Dependencies struct {
	Submitter Submitter
	Status    StatusSource
	Canceller Canceller
	Store     SnapshotStore
	Notifier  Notifier
}

// Options tune a Tracker. Zero values take the defaults below.
type Options struct {
	MaxFiles          int
	AllowedExtensions []string
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	MaxNotFound       int
	MaxNetworkErrors  int
	RemoveDelay       time.Duration
	CancelTimeout     time.Duration
	SnapshotKey       string

	// OnChange receives a copy of the collection after every mutation.
	OnChange func(records []FileRecord, busy bool)
}

const (
	DefaultMaxFiles         = 10
	DefaultPollInterval     = 1500 * time.Millisecond
	DefaultMaxPollInterval  = 8 * time.Second
	DefaultMaxNotFound      = 3
	DefaultMaxNetworkErrors = 5
	DefaultRemoveDelay      = 3 * time.Second
	DefaultCancelTimeout    = 2 * time.Second
	DefaultSnapshotKey      = "docintake:uploads"

	persistTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = DefaultMaxPollInterval
		if o.MaxPollInterval < o.PollInterval {
			o.MaxPollInterval = o.PollInterval
		}
	}
	if o.MaxNotFound <= 0 {
		o.MaxNotFound = DefaultMaxNotFound
	}
	if o.MaxNetworkErrors <= 0 {
		o.MaxNetworkErrors = DefaultMaxNetworkErrors
	}
	if o.RemoveDelay <= 0 {
		o.RemoveDelay = DefaultRemoveDelay
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = DefaultCancelTimeout
	}
	if o.SnapshotKey == "" {
		o.SnapshotKey = DefaultSnapshotKey
	}
	return o
}

// Tracker owns the file collection, the poll registry and the snapshot.
// All record mutations run under mu via mutate.
type Tracker struct {
	deps     Dependencies
	opts     Options
	detector *filetype.Detector

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	records    []*FileRecord
	activeCase string
	polls      map[string]*pollHandle
	notified   map[string]struct{}
	removals   map[string]*time.Timer
	busy       bool
	closed     bool
	changed    chan struct{}

	pollWG sync.WaitGroup
	bgWG   sync.WaitGroup
}

// New creates a Tracker. A nil Store keeps state in memory only.
func New(deps Dependencies, opts Options) *Tracker {
	opts = opts.withDefaults()
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		deps:     deps,
		opts:     opts,
		detector: filetype.New(opts.AllowedExtensions),
		ctx:      ctx,
		cancel:   cancel,
		polls:    make(map[string]*pollHandle),
		notified: make(map[string]struct{}),
		removals: make(map[string]*time.Timer),
		changed:  make(chan struct{}),
	}
}

// batch collects the effects of one mutation.
type batch struct {
	dirty bool
	notes []Notification
}

func (b *batch) touch() { b.dirty = true }

func (b *batch) notify(n Notification) { b.notes = append(b.notes, n) }

// mutate applies fn under the lock, persists when something changed and
// delivers observers and notifications after unlocking.
func (t *Tracker) mutate(fn func(b *batch)) {
	var b batch
	t.mu.Lock()
	fn(&b)
	if !b.dirty {
		t.mu.Unlock()
		t.deliver(b.notes)
		return
	}
	busy := t.persistLocked()
	t.signalLocked()
	var snap []FileRecord
	if t.opts.OnChange != nil {
		snap = t.copyLocked()
	}
	t.mu.Unlock()
	if t.opts.OnChange != nil {
		t.opts.OnChange(snap, busy)
	}
	t.deliver(b.notes)
}

func (t *Tracker) deliver(notes []Notification) {
	for _, n := range notes {
		t.deps.Notifier.Notify(n)
	}
}

// signalLocked wakes Wait callers.
func (t *Tracker) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// persistLocked writes the snapshot while any record is active and deletes
// it otherwise.
func (t *Tracker) persistLocked() bool {
	active := t.anyActiveLocked()
	t.busy = active
	metrics.SetActivePolls(len(t.polls))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if !active {
		if err := t.deps.Store.Delete(ctx, t.opts.SnapshotKey); err != nil {
			log.Error().Err(err).Str("key", t.opts.SnapshotKey).Msg("delete upload snapshot failed")
		}
		return false
	}
	data, err := json.Marshal(t.copyLocked())
	if err != nil {
		log.Error().Err(err).Msg("encode upload snapshot failed")
		return true
	}
	if err := t.deps.Store.Save(ctx, t.opts.SnapshotKey, data); err != nil {
		log.Error().Err(err).Str("key", t.opts.SnapshotKey).Msg("save upload snapshot failed")
	}
	return true
}

func (t *Tracker) anyActiveLocked() bool {
	for _, r := range t.records {
		if !r.Status.Terminal() {
			return true
		}
	}
	return false
}

func (t *Tracker) anyInFlightLocked() bool {
	for _, r := range t.records {
		if r.Status.inFlight() {
			return true
		}
	}
	return false
}

func (t *Tracker) copyLocked() []FileRecord {
	out := make([]FileRecord, len(t.records))
	for i, r := range t.records {
		out[i] = *r
	}
	return out
}

func (t *Tracker) findLocked(localID string) *FileRecord {
	for _, r := range t.records {
		if r.LocalID == localID {
			return r
		}
	}
	return nil
}

func (t *Tracker) hasJobLocked(jobID string) bool {
	for _, r := range t.records {
		if r.JobID == jobID {
			return true
		}
	}
	return false
}

func (t *Tracker) removeLocked(localID string) bool {
	for i, r := range t.records {
		if r.LocalID == localID {
			t.records = append(t.records[:i], t.records[i+1:]...)
			if tm, ok := t.removals[localID]; ok {
				tm.Stop()
				delete(t.removals, localID)
			}
			return true
		}
	}
	return false
}

// Records returns a copy of the collection in insertion order.
func (t *Tracker) Records() []FileRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Record returns a copy of one record.
func (t *Tracker) Record(localID string) (FileRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.findLocked(localID)
	if r == nil {
		return FileRecord{}, false
	}
	return *r, true
}

// Busy is true while at least one record is not terminal.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// ActivePolls returns the job ids with a registered poll, sorted.
func (t *Tracker) ActivePolls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.polls))
	for id := range t.polls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until no record is submitting, queued or processing.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if !t.anyInFlightLocked() || (len(t.polls) == 0 && !t.anySubmittingLocked()) {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (t *Tracker) anySubmittingLocked() bool {
	for _, r := range t.records {
		if r.Status == StatusSubmitting {
			return true
		}
	}
	return false
}

// StopAll cancels every poll and waits for the goroutines to exit. Records
// keep their status so a later Restore can resume them.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	for id, h := range t.polls {
		h.cancel()
		delete(t.polls, id)
	}
	metrics.SetActivePolls(0)
	t.signalLocked()
	t.mu.Unlock()
	t.pollWG.Wait()
}

// Close stops polling, pending removals and waits for background cancels.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for id, tm := range t.removals {
		tm.Stop()
		delete(t.removals, id)
	}
	t.mu.Unlock()
	t.StopAll()
	t.bgWG.Wait()
	t.cancel()
}
