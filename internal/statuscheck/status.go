package statuscheck

import (
	"context"
	"errors"
	"time"
)

// Pinger models the minimal capability we need from the backend client and
// the redis snapshot store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker is satisfied by the S3 stager.
type BucketChecker interface {
	HeadBucket(ctx context.Context) error
}

// Checker aggregates connectivity checks for the doctor command.
type Checker struct {
	api          Pinger
	redis        Pinger
	s3           BucketChecker
	stateBackend string
	submitMode   string
	timeout      time.Duration
}

// Options configures the Checker. Nil dependencies report as not configured.
type Options struct {
	API          Pinger
	Redis        Pinger
	S3           BucketChecker
	StateBackend string
	SubmitMode   string
	Timeout      time.Duration
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	// Required is false when the current configuration does not use the subsystem.
	Required bool `json:"required"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	API   Status `json:"api"`
	Redis Status `json:"redis"`
	S3    Status `json:"s3"`
}

// Healthy is true when every required subsystem is reachable.
func (s Summary) Healthy() bool {
	for _, st := range []Status{s.API, s.Redis, s.S3} {
		if st.Required && !st.OK {
			return false
		}
	}
	return true
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		api:          opts.API,
		redis:        opts.Redis,
		s3:           opts.S3,
		stateBackend: opts.StateBackend,
		submitMode:   opts.SubmitMode,
		timeout:      timeout,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	api := c.ping(ctx, c.api)
	api.Required = true

	redis := c.ping(ctx, c.redis)
	redis.Required = c.stateBackend == "redis"

	s3 := c.checkS3(ctx)
	s3.Required = c.submitMode == "s3"

	return Summary{API: api, Redis: redis, S3: s3}
}

func (c *Checker) ping(ctx context.Context, p Pinger) Status {
	if p == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.s3 == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.s3.HeadBucket(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
