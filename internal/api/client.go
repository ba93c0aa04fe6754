package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Upload is one raw file handed to Submit. Open is called once per submission.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// JobStatus is the backend's view of one job.
type JobStatus struct {
	JobID    string
	Status   string
	Progress int
	Message  string
	// AutoCleaned is set when the backend already retired the job; FinalStatus
	// then carries the outcome it ended with.
	AutoCleaned bool
	FinalStatus string
	Metadata    map[string]any
}

// Options configures the Client.
type Options struct {
	BaseURL  string
	Token    string
	UserName string
	// Timeout bounds status, cancel and registration calls.
	Timeout time.Duration
	// UploadTimeout bounds a whole multipart upload, body included.
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// Client talks to the ingestion backend over HTTP/JSON.
type Client struct {
	baseURL       string
	token         string
	user          string
	http          *http.Client
	upload        *http.Client
	uploadTimeout time.Duration
}

// New creates a new Client with the provided options.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	// Uploads carry no client-wide timeout; Submit sets a deadline on the
	// request context instead.
	uc := opts.HTTPClient
	if uc == nil {
		uc = &http.Client{}
	}
	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Minute
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         strings.TrimSpace(opts.Token),
		user:          opts.UserName,
		http:          hc,
		upload:        uc,
		uploadTimeout: uploadTimeout,
	}
}

type submitResp struct {
	Status  string   `json:"status"`
	JobID   string   `json:"job_id"`
	JobIDs  []string `json:"job_ids"`
	Message string   `json:"message"`
}

// Submit uploads files for one case id in a single multipart request and
// returns the job ids in submission order.
func (c *Client) Submit(ctx context.Context, caseID string, files []Upload) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, caseID, c.user, files)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process_file_upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	start := time.Now()
	resp, err := c.upload.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("submit case %s: %w", caseID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "submit"); err != nil {
		return nil, err
	}

	var out submitResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("submit case %s: decode response: %w", caseID, err)
	}
	ids := out.JobIDs
	if len(ids) == 0 && out.JobID != "" {
		ids = []string{out.JobID}
	}
	log.Debug().
		Str("case_id", caseID).
		Int("files", len(files)).
		Int("job_ids", len(ids)).
		Dur("duration", time.Since(start)).
		Msg("submit finished")
	return ids, nil
}

func writeMultipart(mw *multipart.Writer, caseID, user string, files []Upload) error {
	if err := mw.WriteField("case_id", caseID); err != nil {
		return err
	}
	if user != "" {
		if err := mw.WriteField("user_name", user); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := writePart(mw, f); err != nil {
			return fmt.Errorf("attach %s: %w", f.Name, err)
		}
	}
	return nil
}

func writePart(mw *multipart.Writer, f Upload) error {
	if f.Open == nil {
		return fmt.Errorf("no content")
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, rc)
	return err
}

type progressResp struct {
	Success     bool           `json:"success"`
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message"`
	AutoCleaned bool           `json:"auto_cleaned"`
	FinalStatus string         `json:"final_status"`
	Metadata    map[string]any `json:"metadata"`
}

// JobStatus fetches the current status of a job. A 404 yields ErrJobNotFound.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/progress_spec/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("status %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return JobStatus{}, fmt.Errorf("status %s: %w", jobID, ErrJobNotFound)
	}
	if err := checkStatus(resp, "status"); err != nil {
		return JobStatus{}, err
	}
	var out progressResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JobStatus{}, fmt.Errorf("status %s: decode response: %w", jobID, err)
	}
	st := JobStatus{
		JobID:       out.JobID,
		Status:      out.Status,
		Progress:    int(out.Progress),
		Message:     out.Message,
		AutoCleaned: out.AutoCleaned,
		FinalStatus: out.FinalStatus,
		Metadata:    out.Metadata,
	}
	if st.JobID == "" {
		st.JobID = jobID
	}
	return st, nil
}

type cancelReq struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// CancelJob asks the backend to stop a job. The response body is ignored.
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) error {
	b, _ := json.Marshal(cancelReq{JobID: jobID, Reason: reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webhook/cancel_job", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, "cancel")
}

type referenceReq struct {
	FilePath string         `json:"file_path"`
	UserName string         `json:"user_name"`
	Source   string         `json:"source"`
	Options  map[string]any `json:"options,omitempty"`
}

// RegisterReference creates a job for a file that is already stored remotely
// (s3:// or http(s):// reference) and returns its job id.
func (c *Client) RegisterReference(ctx context.Context, caseID, fileRef, name string) (string, error) {
	b, _ := json.Marshal(referenceReq{
		FilePath: fileRef,
		UserName: c.user,
		Source:   "docintake",
		Options:  map[string]any{"case_id": caseID, "original_name": name},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process_file_junior_call", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", fileRef, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "register"); err != nil {
		return "", err
	}
	var out submitResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("register %s: decode response: %w", fileRef, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("register %s: response carried no job id", fileRef)
	}
	return out.JobID, nil
}

// Ping checks the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, "health")
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body)), Op: op}
}
