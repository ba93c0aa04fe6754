package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/local/docintake/internal/api"
	"github.com/local/docintake/internal/intake"
	"github.com/local/docintake/internal/statuscheck"
	"github.com/local/docintake/internal/storage"
	"github.com/local/docintake/internal/store"
)

var statusLive bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(doctorCmd)

	statusCmd.Flags().BoolVar(&statusLive, "live", false, "ask the backend for the current status of each in-flight job")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show files saved by the last run without resuming them",
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <local-id|job-id>...",
	Short: "Cancel submitted jobs",
	Long: `Cancel submitted jobs. Each argument may be a local id (or a unique prefix
of one, as printed by status) or a backend job id.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the backend, redis and S3",
	RunE:  runDoctor,
}

func loadSaved(ctx context.Context) ([]intake.FileRecord, error) {
	s, _, err := openStore(cfg.State)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	data, err := s.Load(ctx, cfg.State.Key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var recs []intake.FileRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode saved state: %w", err)
	}
	return recs, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	recs, err := loadSaved(ctx)
	if err != nil {
		return err
	}
	if statusLive {
		client := api.New(api.Options{BaseURL: cfg.API.BaseURL, Token: cfg.API.Token, UserName: cfg.API.UserName, Timeout: cfg.API.Timeout})
		for i := range recs {
			r := &recs[i]
			if r.JobID == "" || r.Status.Terminal() {
				continue
			}
			st, err := client.JobStatus(ctx, r.JobID)
			if err != nil {
				r.StatusMessage = "live check failed: " + api.Message(err)
				continue
			}
			applyLive(r, st)
		}
	}
	return printRecords(cmd.OutOrStdout(), recs)
}

// applyLive folds a live status answer into a saved record, with the same
// progress rules the poller uses.
func applyLive(r *intake.FileRecord, st api.JobStatus) {
	tr := intake.TranslateStatus(st)
	r.Status = tr.Status
	r.StatusMessage = tr.Message
	switch tr.Status {
	case intake.StatusCompleted:
		r.Progress = 100
	case intake.StatusFailed, intake.StatusCancelled:
		r.Progress = 0
	default:
		if st.Progress > r.Progress {
			r.Progress = min(st.Progress, 100)
		}
	}
}

// resolve finds a record by local id, job id or unique local id prefix.
func resolve(records []intake.FileRecord, ref string) (string, error) {
	var matches []string
	for _, r := range records {
		if r.LocalID == ref || r.JobID == ref {
			return r.LocalID, nil
		}
		if strings.HasPrefix(r.LocalID, ref) {
			matches = append(matches, r.LocalID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", intake.ErrUnknownRecord, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%s matches %d files; use more characters", ref, len(matches))
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	out := cmd.OutOrStdout()

	a, err := newApp(ctx, out)
	if err != nil {
		return err
	}
	defer a.shutdown()
	if _, err := a.tracker.Restore(ctx); err != nil {
		return err
	}

	var errs []error
	for _, ref := range args {
		localID, err := resolve(a.tracker.Records(), ref)
		if err == nil {
			err = a.tracker.Cancel(localID)
		}
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(out, "%s: %v\n", ref, err)
		}
	}
	return errors.Join(errs...)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	opts := statuscheck.Options{
		API:          api.New(api.Options{BaseURL: cfg.API.BaseURL, Token: cfg.API.Token, Timeout: cfg.API.Timeout}),
		StateBackend: cfg.State.Backend,
		SubmitMode:   cfg.API.SubmitMode,
	}
	if cfg.State.Backend == "redis" {
		rs, err := store.NewRedisStore(cfg.State.RedisURL, cfg.State.TTL)
		if err != nil {
			fmt.Fprintf(out, "redis: %v\n", err)
		} else {
			defer rs.Close()
			opts.Redis = rs
		}
	}
	if cfg.S3.Bucket != "" {
		stager, err := storage.NewS3Stager(ctx, storage.S3Options{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			fmt.Fprintf(out, "s3: %v\n", err)
		} else {
			opts.S3 = stager
		}
	}

	summary := statuscheck.New(opts).Summary(ctx)
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		for _, row := range []struct {
			name string
			st   statuscheck.Status
		}{{"backend", summary.API}, {"redis", summary.Redis}, {"s3", summary.S3}} {
			mark := "ok"
			if !row.st.OK {
				mark = "FAIL"
				if !row.st.Required {
					mark = "skip"
				}
			}
			fmt.Fprintf(out, "%-8s %-5s %s\n", row.name, mark, row.st.Message)
		}
	}
	if !summary.Healthy() {
		return errors.New("one or more required services are unreachable")
	}
	return nil
}
