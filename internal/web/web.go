package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/intake"
	"github.com/local/docintake/internal/metrics"
)

// Tracker is the part of intake.Tracker the status server reads and drives.
type Tracker interface {
	Records() []intake.FileRecord
	Record(localID string) (intake.FileRecord, bool)
	Busy() bool
	Cancel(localID string) error
}

// Web serves a local, read-mostly view of the upload collection.
type Web struct {
	tracker  Tracker
	username string
	password string
}

// New creates the status server. Basic auth is enforced when both
// credentials are non-empty.
func New(tracker Tracker, username, password string) *Web {
	return &Web{tracker: tracker, username: username, password: password}
}

type recordsResp struct {
	Busy    bool                `json:"busy"`
	Records []intake.FileRecord `json:"records"`
}

type errorResp struct {
	Error string `json:"error"`
}

// RegisterRoutes mounts the status endpoints and /metrics on mux.
func (w *Web) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", w.handleHealth)
	mux.Handle("/metrics", w.requireAuth(metrics.Handler().ServeHTTP))
	mux.HandleFunc("/web/records", w.requireAuth(w.handleRecords))
	mux.HandleFunc("/web/progress/", w.requireAuth(w.handleProgress))
	mux.HandleFunc("/web/cancel/", w.requireAuth(w.handleCancel))
}

func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		if w.username == "" || w.password == "" {
			next(wr, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(w.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(w.password)) != 1 {
			wr.Header().Set("WWW-Authenticate", `Basic realm="docintake"`)
			writeJSON(wr, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
			return
		}
		next(wr, r)
	}
}

func (w *Web) handleHealth(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, map[string]any{"status": "ok", "busy": w.tracker.Busy()})
}

func (w *Web) handleRecords(wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		wr.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	recs := w.tracker.Records()
	if recs == nil {
		recs = []intake.FileRecord{}
	}
	writeJSON(wr, http.StatusOK, recordsResp{Busy: w.tracker.Busy(), Records: recs})
}

func (w *Web) handleProgress(wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		wr.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	localID := strings.TrimPrefix(r.URL.Path, "/web/progress/")
	rec, ok := w.tracker.Record(localID)
	if !ok {
		writeJSON(wr, http.StatusNotFound, errorResp{Error: "unknown file"})
		return
	}
	writeJSON(wr, http.StatusOK, rec)
}

func (w *Web) handleCancel(wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		wr.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	localID := strings.TrimPrefix(r.URL.Path, "/web/cancel/")
	err := w.tracker.Cancel(localID)
	switch {
	case err == nil:
		rec, _ := w.tracker.Record(localID)
		writeJSON(wr, http.StatusOK, rec)
	case errors.Is(err, intake.ErrUnknownRecord):
		writeJSON(wr, http.StatusNotFound, errorResp{Error: err.Error()})
	case intake.IsValidation(err):
		writeJSON(wr, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		log.Error().Err(err).Str("local_id", localID).Msg("cancel via web failed")
		writeJSON(wr, http.StatusInternalServerError, errorResp{Error: "cancel failed"})
	}
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response failed")
	}
}
