package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "docintake"

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console receives human/JSON output. Defaults to os.Stderr so that
	// command output on stdout stays clean.
	Console io.Writer

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
}

var (
	mu     sync.Mutex
	global = zerolog.Nop()
	ship   *shipper
)

// Init sets up the global logger: console output, optional rotated file,
// optional Axiom forwarding.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	var writers []io.Writer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.Kitchen})
	} else {
		writers = append(writers, console)
	}

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		s, err := dialAxiom(opts)
		if err != nil {
			fmt.Fprintf(console, "axiom shipping disabled: %v\n", err)
		} else {
			ship = s
			writers = append(writers, s)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	log.Logger = global
	return nil
}

// Close flushes any buffered external loggers.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if ship != nil {
		ship.stop()
		ship = nil
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }
