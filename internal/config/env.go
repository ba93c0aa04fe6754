package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// APIConfig points at the ingestion backend.
type APIConfig struct {
	BaseURL  string
	Token    string
	UserName string
	Timeout  time.Duration
	// UploadTimeout bounds one multipart submission, body included.
	UploadTimeout time.Duration
	// SubmitMode is "upload" (multipart straight to the backend) or "s3"
	// (stage in S3, then register by reference).
	SubmitMode string
}

// TrackerConfig defines intake limits and polling policy.
type TrackerConfig struct {
	MaxFiles          int
	AllowedExtensions []string
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	MaxNotFound       int
	MaxNetworkErrors  int
	RemoveDelay       time.Duration
	CancelTimeout     time.Duration
}

// StateConfig selects where the in-flight snapshot lives.
type StateConfig struct {
	Backend  string // "file"|"redis"|"memory"
	Dir      string
	RedisURL string
	Key      string
	TTL      time.Duration
}

// S3Config is used by the s3 submit mode and the doctor command.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// MetricsConfig controls the optional local status listener. Basic auth is
// enforced when both credentials are set.
type MetricsConfig struct {
	Addr     string
	Username string
	Password string
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	API     APIConfig
	Tracker TrackerConfig
	State   StateConfig
	S3      S3Config
	Metrics MetricsConfig
}

// DefaultExtensions is the intake allow-list used when ALLOWED_EXTENSIONS is unset.
var DefaultExtensions = []string{
	".pdf", ".doc", ".docx", ".odt", ".rtf", ".txt", ".csv", ".xlsx", ".xls", ".pptx",
	".mp3", ".wav", ".m4a", ".ogg", ".flac", ".aac",
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "50"), 50),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "5"), 5),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "14"), 14),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docintake",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.API = APIConfig{
		BaseURL:       strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/"),
		Token:         getEnv("API_TOKEN", ""),
		UserName:      getEnv("API_USER", "docintake"),
		Timeout:       parseDuration(getEnv("API_TIMEOUT", "30s"), 30*time.Second),
		UploadTimeout: parseDuration(getEnv("API_UPLOAD_TIMEOUT", "30m"), 30*time.Minute),
		SubmitMode:    strings.ToLower(getEnv("SUBMIT_MODE", "upload")),
	}

	cfg.Tracker = TrackerConfig{
		MaxFiles:          parseInt(getEnv("MAX_FILES", "10"), 10),
		AllowedExtensions: parseList(getEnv("ALLOWED_EXTENSIONS", ""), DefaultExtensions),
		PollInterval:      parseDuration(getEnv("POLL_INTERVAL", "1500ms"), 1500*time.Millisecond),
		MaxPollInterval:   parseDuration(getEnv("POLL_MAX_INTERVAL", "8s"), 8*time.Second),
		MaxNotFound:       parseInt(getEnv("POLL_MAX_NOT_FOUND", "3"), 3),
		MaxNetworkErrors:  parseInt(getEnv("POLL_MAX_NETWORK_ERRORS", "5"), 5),
		RemoveDelay:       parseDuration(getEnv("COMPLETED_REMOVE_DELAY", "3s"), 3*time.Second),
		CancelTimeout:     parseDuration(getEnv("CANCEL_TIMEOUT", "2s"), 2*time.Second),
	}
	if cfg.Tracker.MaxPollInterval < cfg.Tracker.PollInterval {
		cfg.Tracker.MaxPollInterval = cfg.Tracker.PollInterval
	}

	cfg.State = StateConfig{
		Backend:  strings.ToLower(getEnv("STATE_BACKEND", "file")),
		Dir:      getEnv("STATE_DIR", defaultStateDir()),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		Key:      getEnv("STATE_KEY", "docintake:uploads"),
		TTL:      parseDuration(getEnv("STATE_TTL", "168h"), 7*24*time.Hour),
	}

	cfg.S3 = S3Config{
		Bucket:          getEnv("AWS_S3_BUCKET", ""),
		Prefix:          strings.Trim(getEnv("AWS_S3_PREFIX", "intake"), "/"),
		Region:          getEnv("AWS_REGION", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}

	cfg.Metrics = MetricsConfig{
		Addr:     getEnv("METRICS_ADDR", ""),
		Username: getEnv("WEB_USERNAME", ""),
		Password: getEnv("WEB_PASSWORD", ""),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// parseList splits a comma separated extension list, normalizing each entry
// to a lower-case ".ext" form.
func parseList(s string, def []string) []string {
	if strings.TrimSpace(s) == "" {
		out := make([]string, len(def))
		copy(out, def)
		return out
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, ".") {
			p = "." + p
		}
		out = append(out, p)
	}
	return out
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir + string(os.PathSeparator) + "docintake"
	}
	return ".docintake"
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
