package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/docintake/internal/intake"
)

var (
	submitCase   string
	submitDetach bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(resumeCmd)

	submitCmd.Flags().StringVar(&submitCase, "case", "", "case identifier applied to every file (required)")
	submitCmd.Flags().BoolVar(&submitDetach, "detach", false, "exit after submission; follow up later with resume")
}

var submitCmd = &cobra.Command{
	Use:   "submit [files...]",
	Short: "Submit files for ingestion and follow their jobs",
	Long: `Submit files for ingestion under a case id and follow each job until it
completes, fails or is cancelled. Jobs still in flight from a previous run are
resumed first and count toward the file limit.

Examples:
  # Submit two files for one case and wait
  docintake submit --case C-2024-117 brief.pdf hearing.mp3

  # Submit and return immediately
  docintake submit --case C-2024-117 --detach scans/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume tracking jobs saved by an earlier run",
	RunE:  runResume,
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(submitCase) == "" {
		return errors.New("--case is required")
	}
	ctx, stop := signalContext(cmd)
	defer stop()
	out := cmd.OutOrStdout()

	var files []*intake.RawFile
	for _, path := range args {
		f, err := intake.FileFromPath(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		files = append(files, f)
	}

	a, err := newApp(ctx, out)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if n, err := a.tracker.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("previous state could not be restored")
	} else if n > 0 {
		fmt.Fprintf(out, "Resumed %d job(s) from a previous run.\n", n)
	}

	a.tracker.SetActiveCaseID(submitCase)
	added := a.tracker.Add(files)
	for _, name := range added.Rejected {
		fmt.Fprintf(out, "Skipped %s: file type not allowed\n", name)
	}
	if added.Dropped > 0 {
		fmt.Fprintf(out, "Skipped %d file(s): at most %d files can be tracked at once\n", added.Dropped, cfg.Tracker.MaxFiles)
	}
	if len(added.Accepted) == 0 {
		return errors.New("no files accepted")
	}

	res, err := a.tracker.Submit(ctx)
	if err != nil {
		for _, id := range added.Accepted {
			_ = a.tracker.Remove(id)
		}
		return err
	}
	for _, g := range res.Groups {
		if g.Err != nil {
			fmt.Fprintf(out, "Case %s: submission failed: %v\n", g.CaseID, g.Err)
			continue
		}
		fmt.Fprintf(out, "Case %s: %d job(s) queued: %s\n", g.CaseID, len(g.JobIDs), strings.Join(g.JobIDs, ", "))
	}

	if submitDetach {
		fmt.Fprintln(out, "Detached. Run `docintake resume` to follow the jobs.")
		return nil
	}
	return follow(ctx, cmd, a)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	out := cmd.OutOrStdout()

	a, err := newApp(ctx, out)
	if err != nil {
		return err
	}
	defer a.shutdown()

	n, err := a.tracker.Restore(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(out, "Nothing to resume.")
		return printRecords(out, a.tracker.Records())
	}
	fmt.Fprintf(out, "Resumed %d job(s).\n", n)
	return follow(ctx, cmd, a)
}

// follow waits for every in-flight record, then prints the final table.
func follow(ctx context.Context, cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	if err := a.tracker.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "Interrupted. In-flight jobs are saved; run `docintake resume` to continue.")
			return nil
		}
		return err
	}
	recs := a.tracker.Records()
	if err := printRecords(out, recs); err != nil {
		return err
	}
	failed := 0
	for _, r := range recs {
		if r.Status == intake.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}
