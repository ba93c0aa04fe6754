// Package main implements the docintake CLI: submit files for ingestion, follow
// their jobs and resume tracking after a restart.
package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cfgpkg "github.com/local/docintake/internal/config"
	logpkg "github.com/local/docintake/internal/logger"
)

var (
	version = "dev"

	// global flags
	envFile      string
	apiURL       string
	stateBackend string
	logLevel     string
	outputJSON   bool

	cfg cfgpkg.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docintake",
	Short: "Upload documents and audio for ingestion and track their jobs",
	Long: `docintake submits files to the ingestion backend grouped by case id,
follows each job until it completes, fails or is cancelled, and keeps a snapshot
of in-flight work so tracking resumes after a crash or restart.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { logpkg.Close() },
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "ingestion backend base URL (overrides API_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "state", "", "snapshot backend: file, redis or memory (overrides STATE_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
}

func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	cfg = cfgpkg.FromEnv()
	if apiURL != "" {
		cfg.API.BaseURL = strings.TrimRight(apiURL, "/")
	}
	if stateBackend != "" {
		cfg.State.Backend = strings.ToLower(stateBackend)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	}); err != nil {
		return err
	}
	log.Debug().Str("api", cfg.API.BaseURL).Str("state", cfg.State.Backend).Str("submit_mode", cfg.API.SubmitMode).Msg("configuration loaded")
	return nil
}
