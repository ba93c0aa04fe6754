package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docintake/internal/api"
	cfgpkg "github.com/local/docintake/internal/config"
	"github.com/local/docintake/internal/intake"
	"github.com/local/docintake/internal/metrics"
	"github.com/local/docintake/internal/storage"
	"github.com/local/docintake/internal/store"
	"github.com/local/docintake/internal/web"
)

// snapshotStore is what the tracker needs plus Close for shutdown.
type snapshotStore interface {
	intake.SnapshotStore
	Close() error
}

// app wires config into a ready Tracker and owns everything it opened.
type app struct {
	client  *api.Client
	store   snapshotStore
	redis   *store.RedisStore
	stager  *storage.S3Stager
	tracker *intake.Tracker
	srv     *http.Server
}

func openStore(c cfgpkg.StateConfig) (snapshotStore, *store.RedisStore, error) {
	switch c.Backend {
	case "redis":
		rs, err := store.NewRedisStore(c.RedisURL, c.TTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case "file", "":
		fs, err := store.NewFileStore(c.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", c.Backend)
	}
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	metrics.Init()

	a := &app{
		client: api.New(api.Options{
			BaseURL:       cfg.API.BaseURL,
			Token:         cfg.API.Token,
			UserName:      cfg.API.UserName,
			Timeout:       cfg.API.Timeout,
			UploadTimeout: cfg.API.UploadTimeout,
		}),
	}

	var err error
	a.store, a.redis, err = openStore(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	var submitter intake.Submitter = a.client
	if cfg.API.SubmitMode == "s3" {
		a.stager, err = storage.NewS3Stager(ctx, storage.S3Options{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		submitter = api.NewS3Submitter(a.stager, a.client)
	}

	p := newPrinter(out)
	a.tracker = intake.New(intake.Dependencies{
		Submitter: submitter,
		Status:    a.client,
		Canceller: a.client,
		Store:     a.store,
		Notifier:  p,
	}, intake.Options{
		MaxFiles:          cfg.Tracker.MaxFiles,
		AllowedExtensions: cfg.Tracker.AllowedExtensions,
		PollInterval:      cfg.Tracker.PollInterval,
		MaxPollInterval:   cfg.Tracker.MaxPollInterval,
		MaxNotFound:       cfg.Tracker.MaxNotFound,
		MaxNetworkErrors:  cfg.Tracker.MaxNetworkErrors,
		RemoveDelay:       cfg.Tracker.RemoveDelay,
		CancelTimeout:     cfg.Tracker.CancelTimeout,
		SnapshotKey:       cfg.State.Key,
		OnChange:          p.onChange,
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		web.New(a.tracker, cfg.Metrics.Username, cfg.Metrics.Password).RegisterRoutes(mux)
		a.srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("status server listening")
			if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}
	return a, nil
}

// shutdown stops polling (statuses and snapshot stay as they are) and
// releases every resource.
func (a *app) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.srv.Shutdown(ctx)
		cancel()
	}
	a.tracker.Close()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close state store")
	}
}
