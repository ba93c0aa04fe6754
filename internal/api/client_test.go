package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upload(name, content string) Upload {
	return Upload{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
}

func TestSubmitSendsMultipartAndReturnsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process_file_upload", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2024-001-01-CI", r.FormValue("case_id"))
		assert.Equal(t, "clerk", r.FormValue("user_name"))

		files := r.MultipartForm.File["file"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.pdf", files[0].Filename)
		assert.Equal(t, "b.pdf", files[1].Filename)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "job_ids": []string{"j1", "j2"}})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Token: "secret", UserName: "clerk"})
	ids, err := c.Submit(context.Background(), "2024-001-01-CI", []Upload{upload("a.pdf", "one"), upload("b.pdf", "two")})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, ids)
}

func TestSubmitSingleJobIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "job_id": "only"})
	}))
	defer srv.Close()

	ids, err := New(Options{BaseURL: srv.URL}).Submit(context.Background(), "c", []Upload{upload("a.txt", "x")})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, ids)
}

func TestSubmitOutlivesShortCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		if r.URL.Path == "/process_file_upload" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "job_id": "slow"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, UploadTimeout: 5 * time.Second})
	ids, err := c.Submit(context.Background(), "c", []Upload{upload("big.mp3", "audio")})
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, ids)

	_, err = c.JobStatus(context.Background(), "slow")
	assert.Error(t, err)
}

func TestSubmitUploadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, UploadTimeout: 30 * time.Millisecond})
	_, err := c.Submit(context.Background(), "c", []Upload{upload("a.pdf", "x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Submit(context.Background(), "c", []Upload{upload("a.txt", "x")})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "server returned HTTP 503: queue unavailable", Message(err))
}

func TestSubmitOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	bad := Upload{Name: "gone.pdf", Open: func() (io.ReadCloser, error) { return nil, errors.New("file vanished") }}
	_, err := New(Options{BaseURL: srv.URL}).Submit(context.Background(), "c", []Upload{bad})
	assert.Error(t, err)
}

func TestJobStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/progress_spec/j1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"job_id": "j1", "status": "processing", "progress": 42.7, "message": "page 3 done",
			})
		case "/progress_spec/j2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "gone", "auto_cleaned": true, "final_status": "success",
				"metadata": map[string]any{"chunks": 12},
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL})

	st, err := c.JobStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "processing", st.Status)
	assert.Equal(t, 42, st.Progress)
	assert.Equal(t, "page 3 done", st.Message)

	st, err = c.JobStatus(context.Background(), "j2")
	require.NoError(t, err)
	assert.Equal(t, "j2", st.JobID)
	assert.True(t, st.AutoCleaned)
	assert.Equal(t, "success", st.FinalStatus)
	assert.EqualValues(t, 12, st.Metadata["chunks"])

	_, err = c.JobStatus(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))
}

func TestJobStatusTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Options{BaseURL: url}).JobStatus(context.Background(), "j1")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.True(t, IsTransient(err))
}

func TestCancelJob(t *testing.T) {
	var got cancelReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhook/cancel_job", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	require.NoError(t, New(Options{BaseURL: srv.URL}).CancelJob(context.Background(), "j9", "user request"))
	assert.Equal(t, "j9", got.JobID)
	assert.Equal(t, "user request", got.Reason)
}

func TestRegisterReferenceAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte("ok"))
		case "/process_file_junior_call":
			var req referenceReq
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "s3://bucket/key.pdf", req.FilePath)
			assert.Equal(t, "CASE-1", req.Options["case_id"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "job_id": "ref-1"})
		}
	}))
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL, UserName: "clerk"})

	require.NoError(t, c.Ping(context.Background()))
	id, err := c.RegisterReference(context.Background(), "CASE-1", "s3://bucket/key.pdf", "key.pdf")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", id)
}
