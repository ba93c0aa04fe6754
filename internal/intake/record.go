package intake

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/local/docintake/internal/api"
	"github.com/local/docintake/internal/filetype"
)

// Status is the local lifecycle state of a FileRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// inFlight is true while the backend owns the outcome.
func (s Status) inFlight() bool {
	return s == StatusSubmitting || s == StatusQueued || s == StatusProcessing
}

// FileRecord is one user-selected file awaiting or undergoing processing.
// The raw payload is kept out of JSON; a restored record has none.
type FileRecord struct {
	LocalID       string         `json:"localId"`
	Name          string         `json:"displayName"`
	SizeBytes     int64          `json:"sizeBytes"`
	Kind          filetype.Kind  `json:"kind"`
	MIMEType      string         `json:"mimeType,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	CaseID        string         `json:"caseId"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progressPercent"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	JobID         string         `json:"jobId,omitempty"`
	Result        map[string]any `json:"resultMetadata,omitempty"`
	AddedAt       time.Time      `json:"addedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`

	raw *RawFile
}

// HasPayload reports whether the record still carries its file content.
func (r FileRecord) HasPayload() bool { return r.raw != nil }

// RawFile is the submission-time content of a file. It is only needed for the
// one upload call and is never persisted.
type RawFile struct {
	Name string
	Size int64
	// Path is set when the content lives on disk.
	Path string

	open func() (io.ReadCloser, error)
}

// FileFromPath references a file on disk; content is read lazily.
func FileFromPath(path string) (*RawFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &RawFile{
		Name: filepath.Base(path),
		Size: fi.Size(),
		Path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FileFromBytes wraps in-memory content, e.g. a browser upload already buffered.
func FileFromBytes(name string, b []byte) *RawFile {
	return &RawFile{
		Name: name,
		Size: int64(len(b)),
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
	}
}

// Open returns a fresh reader over the content.
func (f *RawFile) Open() (io.ReadCloser, error) {
	if f == nil || f.open == nil {
		return nil, fmt.Errorf("file content not available")
	}
	return f.open()
}

func (f *RawFile) upload(name string) api.Upload {
	if f == nil {
		return api.Upload{Name: name, Open: (*RawFile)(nil).Open}
	}
	return api.Upload{Name: f.Name, Size: f.Size, Open: f.Open}
}
