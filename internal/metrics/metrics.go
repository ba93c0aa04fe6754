package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docintake",
			Name:      "submissions_total",
			Help:      "Case-id group submissions by result (ok, mismatch, error)",
		},
		[]string{"result"},
	)

	submittedFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docintake",
			Name:      "submitted_files_total",
			Help:      "Files handed to the backend",
		},
	)

	pollChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docintake",
			Name:      "poll_checks_total",
			Help:      "Job status checks by outcome (ok, not_found, network)",
		},
		[]string{"outcome"},
	)

	terminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docintake",
			Name:      "records_terminal_total",
			Help:      "Records reaching a terminal status",
		},
		[]string{"status"},
	)

	cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docintake",
			Name:      "cancellations_total",
			Help:      "User cancellations by backend confirmation result (ok, error, timeout)",
		},
		[]string{"backend"},
	)

	activePolls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docintake",
			Name:      "active_polls",
			Help:      "Jobs currently being polled",
		},
	)

	registerOnce sync.Once
)

// Init registers collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(submissions, submittedFiles, pollChecks, terminal, cancellations, activePolls)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncSubmission(result string, files int) {
	submissions.WithLabelValues(result).Inc()
	if result == "ok" {
		submittedFiles.Add(float64(files))
	}
}

func IncPollCheck(outcome string) { pollChecks.WithLabelValues(outcome).Inc() }
func IncTerminal(status string) { terminal.WithLabelValues(status).Inc() }
func IncCancellation(backend string) { cancellations.WithLabelValues(backend).Inc() }
func SetActivePolls(n int) { activePolls.Set(float64(n)) }
