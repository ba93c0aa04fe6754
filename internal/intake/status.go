package intake

import (
	"fmt"
	"strings"

	"github.com/local/docintake/internal/api"
)

// Backend vocabulary, legacy and granular. Keep every spelling here; nothing
// else in the package compares raw backend strings.
var vocabulary = map[string]Status{
	"completed":  StatusCompleted,
	"complete":   StatusCompleted,
	"success":    StatusCompleted,
	"succeeded":  StatusCompleted,
	"successful": StatusCompleted,
	"done":       StatusCompleted,
	"finished":   StatusCompleted,

	"failed":  StatusFailed,
	"failure": StatusFailed,
	"error":   StatusFailed,
	"errored": StatusFailed,

	"cancelled":  StatusCancelled,
	"canceled":   StatusCancelled,
	"revoked":    StatusCancelled,
	"aborted":    StatusCancelled,
	"terminated": StatusCancelled,

	"processing":  StatusProcessing,
	"running":     StatusProcessing,
	"started":     StatusProcessing,
	"in_progress": StatusProcessing,
	"in-progress": StatusProcessing,
	"progress":    StatusProcessing,
	"retry":       StatusProcessing,
	"retrying":    StatusProcessing,
	"extracting":  StatusProcessing,
	"chunking":    StatusProcessing,
	"embedding":   StatusProcessing,
	"indexing":    StatusProcessing,

	"pending":   StatusQueued,
	"queued":    StatusQueued,
	"received":  StatusQueued,
	"waiting":   StatusQueued,
	"scheduled": StatusQueued,
	"created":   StatusQueued,
}

// Translation is the local reading of one backend status response.
type Translation struct {
	Status  Status
	Message string
	// Known is false when the backend word is not in the vocabulary.
	Known bool
}

const (
	msgServerCancelled = "Processing was cancelled on the server"
	msgServerFailed    = "Processing failed on the server"
	msgCompleted       = "Processing completed"
)

// TranslateStatus maps a backend status to a local one. Server-side
// cancellation surfaces as failed; only the user cancels locally. Unknown
// words read as processing so polling continues.
func TranslateStatus(st api.JobStatus) Translation {
	if st.AutoCleaned {
		final := st.FinalStatus
		if final == "" {
			final = st.Status
		}
		if lookup(final) == StatusCompleted {
			return Translation{Status: StatusCompleted, Message: firstNonEmpty(st.Message, msgCompleted), Known: true}
		}
		return Translation{
			Status:  StatusFailed,
			Message: firstNonEmpty(st.Message, fmt.Sprintf("Job was retired by the server with status %q", final)),
			Known:   true,
		}
	}

	s, known := vocabulary[normalize(st.Status)]
	if !known {
		return Translation{Status: StatusProcessing, Message: st.Message}
	}
	switch s {
	case StatusCompleted:
		return Translation{Status: StatusCompleted, Message: firstNonEmpty(st.Message, msgCompleted), Known: true}
	case StatusCancelled:
		return Translation{Status: StatusFailed, Message: msgServerCancelled, Known: true}
	case StatusFailed:
		return Translation{Status: StatusFailed, Message: firstNonEmpty(st.Message, msgServerFailed), Known: true}
	}
	return Translation{Status: s, Message: st.Message, Known: true}
}

func lookup(word string) Status {
	return vocabulary[normalize(word)]
}

func normalize(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
