package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/local/docintake/internal/api"
)

type statusStep struct {
	st  api.JobStatus
	err error
}

func processing(p int) statusStep {
	return statusStep{st: api.JobStatus{Status: "processing", Progress: p}}
}

func finished(meta map[string]any) statusStep {
	return statusStep{st: api.JobStatus{Status: "completed", Progress: 100, Metadata: meta}}
}

func notFound() statusStep {
	return statusStep{err: fmt.Errorf("status: %w", api.ErrJobNotFound)}
}

func netErr() statusStep {
	return statusStep{err: errors.New("status: dial tcp 127.0.0.1:8080: connect: connection refused")}
}

type submitCall struct {
	caseID string
	names  []string
}

// fakeBackend implements Submitter, StatusSource and Canceller.
type fakeBackend struct {
	mu sync.Mutex

	submitFn func(caseID string, files []api.Upload) ([]string, error)
	nextID   int
	submits  []submitCall

	scripts map[string][]statusStep
	calls   map[string]int
	// hold blocks status checks until closed or the poll is cancelled.
	hold chan struct{}
	// late blocks a job's status check regardless of cancellation.
	late map[string]chan struct{}

	cancelDelay time.Duration
	cancels     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		scripts: map[string][]statusStep{},
		calls:   map[string]int{},
		late:    map[string]chan struct{}{},
	}
}

func (f *fakeBackend) Submit(ctx context.Context, caseID string, files []api.Upload) ([]string, error) {
	f.mu.Lock()
	call := submitCall{caseID: caseID}
	for _, u := range files {
		call.names = append(call.names, u.Name)
	}
	f.submits = append(f.submits, call)
	fn := f.submitFn
	f.mu.Unlock()

	for _, u := range files {
		rc, err := u.Open()
		if err != nil {
			return nil, err
		}
		rc.Close()
	}
	if fn != nil {
		return fn(caseID, files)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(files))
	for i := range files {
		f.nextID++
		ids[i] = fmt.Sprintf("job-%d", f.nextID)
	}
	return ids, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (api.JobStatus, error) {
	f.mu.Lock()
	f.calls[jobID]++
	n := f.calls[jobID]
	step := processing(10)
	if script := f.scripts[jobID]; len(script) > 0 {
		if n > len(script) {
			n = len(script)
		}
		step = script[n-1]
	}
	hold := f.hold
	late := f.late[jobID]
	f.mu.Unlock()

	if late != nil {
		<-late
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return api.JobStatus{}, ctx.Err()
		}
	}
	step.st.JobID = jobID
	return step.st, step.err
}

func (f *fakeBackend) CancelJob(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, jobID)
	d := f.cancelDelay
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) script(jobID string, steps ...statusStep) {
	f.mu.Lock()
	f.scripts[jobID] = steps
	f.mu.Unlock()
}

func (f *fakeBackend) callCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func (f *fakeBackend) submitCalls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

func (f *fakeBackend) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Level == level {
			n++
		}
	}
	return n
}

func testOptions() Options {
	return Options{
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		MaxNotFound:       3,
		MaxNetworkErrors:  3,
		RemoveDelay:       time.Minute,
		CancelTimeout:     50 * time.Millisecond,
		AllowedExtensions: []string{".pdf", ".docx", ".txt", ".mp3"},
	}
}

func newTestTracker(t *testing.T, fb *fakeBackend, deps Dependencies, opts Options) *Tracker {
	t.Helper()
	deps.Submitter = fb
	deps.Status = fb
	deps.Canceller = fb
	if deps.Notifier == nil {
		deps.Notifier = &recorder{}
	}
	tr := New(deps, opts)
	t.Cleanup(tr.Close)
	return tr
}

func pdfFile(name string) *RawFile {
	return FileFromBytes(name, []byte("%PDF-1.4\n%test\n"))
}

// addForCase adds files tagged with caseID and returns their local ids.
func addForCase(t *testing.T, tr *Tracker, caseID string, names ...string) []string {
	t.Helper()
	tr.SetActiveCaseID(caseID)
	files := make([]*RawFile, len(names))
	for i, n := range names {
		files[i] = pdfFile(n)
	}
	res := tr.Add(files)
	require.Len(t, res.Accepted, len(names))
	return res.Accepted
}

func mustRecord(t *testing.T, tr *Tracker, localID string) FileRecord {
	t.Helper()
	r, ok := tr.Record(localID)
	require.True(t, ok, "record %s missing", localID)
	return r
}

func statusOf(tr *Tracker, localID string) Status {
	r, ok := tr.Record(localID)
	if !ok {
		return ""
	}
	return r.Status
}

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)
