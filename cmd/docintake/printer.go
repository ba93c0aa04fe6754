package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/local/docintake/internal/intake"
)

// printer renders tracker activity for a terminal: one line per visible
// change of a record, plus notifications.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]string)}
}

func (p *printer) Notify(n intake.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if outputJSON {
		_ = json.NewEncoder(p.out).Encode(map[string]any{"notification": n})
		return
	}
	fmt.Fprintf(p.out, "[%s] %s\n", n.Level, n.Message)
}

func (p *printer) onChange(records []intake.FileRecord, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		line := fmt.Sprintf("%-10s %3d%%  %s", r.Status, r.Progress, r.StatusMessage)
		if p.seen[r.LocalID] == line {
			continue
		}
		p.seen[r.LocalID] = line
		if outputJSON {
			_ = json.NewEncoder(p.out).Encode(map[string]any{"record": r})
			continue
		}
		fmt.Fprintf(p.out, "%-28s %s\n", truncate(r.Name, 28), line)
	}
}

func printRecords(out io.Writer, records []intake.FileRecord) error {
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []intake.FileRecord{}
		}
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No tracked files.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tNAME\tCASE\tSTATUS\tPROGRESS\tJOB ID\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			r.LocalID[:min(8, len(r.LocalID))], truncate(r.Name, 32), r.CaseID, r.Status, r.Progress, r.JobID, truncate(r.StatusMessage, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
