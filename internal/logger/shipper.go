package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
)

const (
	shipBuffer    = 512
	shipBatchSize = 100
	ingestTimeout = 15 * time.Second
)

// ingester is the part of the Axiom client the shipper uses.
type ingester interface {
	IngestEvents(ctx context.Context, dataset string, events []axiom.Event, options ...ingest.Option) (*ingest.Status, error)
}

// shipper forwards log lines at info level and above to an Axiom dataset in
// batches. Lines that do not fit the buffer are counted and dropped.
type shipper struct {
	sink    ingester
	dataset string
	every   time.Duration

	events  chan axiom.Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func dialAxiom(opts Options) (*shipper, error) {
	copts := []axiom.Option{axiom.SetToken(opts.AxiomAPIKey)}
	if opts.AxiomOrgID != "" {
		copts = append(copts, axiom.SetOrganizationID(opts.AxiomOrgID))
	}
	client, err := axiom.NewClient(copts...)
	if err != nil {
		return nil, fmt.Errorf("axiom client: %w", err)
	}
	dataset := opts.AxiomDataset
	if dataset == "" {
		dataset = serviceName
	}
	return newShipper(client, dataset, opts.AxiomFlush), nil
}

func newShipper(sink ingester, dataset string, every time.Duration) *shipper {
	if every <= 0 {
		every = 10 * time.Second
	}
	s := &shipper{
		sink:    sink,
		dataset: dataset,
		every:   every,
		events:  make(chan axiom.Event, shipBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *shipper) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (s *shipper) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l != zerolog.NoLevel && l < zerolog.InfoLevel {
		return len(p), nil
	}
	ev := axiom.Event{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{"message": string(p)}
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *shipper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	pending := make([]axiom.Event, 0, shipBatchSize)
	for {
		select {
		case ev := <-s.events:
			pending = append(pending, ev)
			if len(pending) >= shipBatchSize {
				pending = s.ingest(pending)
			}
		case <-ticker.C:
			pending = s.ingest(pending)
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					pending = append(pending, ev)
				default:
					s.ingest(pending)
					return
				}
			}
		}
	}
}

// ingest sends events and returns the emptied slice for reuse.
func (s *shipper) ingest(events []axiom.Event) []axiom.Event {
	if len(events) == 0 {
		return events
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if _, err := s.sink.IngestEvents(ctx, s.dataset, events); err != nil {
		// the global logger feeds this writer, so report on stderr
		fmt.Fprintf(os.Stderr, "axiom ingest of %d events failed: %v\n", len(events), err)
	}
	return events[:0]
}

// stop flushes what is buffered and ends the loop. Safe to call twice.
func (s *shipper) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	if n := s.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom shipping dropped %d log lines\n", n)
	}
}
