package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"docpipeline/internal/logger"
)

// Backend and sink identifiers accepted in configuration.
const (
	BackendDocumentAI = "documentai"
	BackendVision     = "vision"

	SinkStore  = "store"
	SinkObject = "s3"

	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Config struct {
	// Analysis backend
	AnalysisBackend            string
	GoogleCloudProject         string
	GoogleCloudLocation        string
	DocumentAIProcessorID      string
	DocumentAIProcessorVersion string
	GCSOutputBucket            string
	GCSOutputFolder            string
	BackendTimeout             time.Duration

	// Job store
	JobStoreDriver string
	JobStoreDSN    string

	// Result sink
	ResultSink        string
	ResultS3Endpoint  string
	ResultS3AccessKey string
	ResultS3SecretKey string
	ResultS3Bucket    string
	ResultS3Prefix    string
	ResultS3Region    string
	ResultS3UseSSL    bool

	// Alerting (optional)
	AlertSheetURL       string
	AlertSheetWorksheet string

	// HTTP ingress and workers
	ListenAddr string
	Workers    int
	QueueSize  int

	// Retry policy
	LaunchMaxAttempts int
	FetchMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	StartRateLimit    float64
	StartRateBurst    int

	// Reconciliation
	JobMaxAge          time.Duration
	SignalGrace        time.Duration
	FetchStallAfter    time.Duration
	ReconcileInterval  time.Duration
	ReconcilePoll      bool
	ReconcileBatchSize int

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	config, err := parse()
	if err != nil {
		return nil, fmt.Errorf("config parsing failed: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadStore reads the configuration but only validates the job store and
// result sink settings. Read-only commands use it so they run without
// backend credentials.
func LoadStore() (*Config, error) {
	config, err := parse()
	if err != nil {
		return nil, fmt.Errorf("config parsing failed: %w", err)
	}

	if err := config.validateStore(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func parse() (*Config, error) {
	p := &parser{}
	config := &Config{
		AnalysisBackend:            strings.ToLower(getEnv("ANALYSIS_BACKEND", BackendDocumentAI)),
		GoogleCloudProject:         getEnv("GOOGLE_CLOUD_PROJECT", ""),
		GoogleCloudLocation:        getEnv("GOOGLE_CLOUD_LOCATION", "us"),
		DocumentAIProcessorID:      getEnv("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocumentAIProcessorVersion: getEnv("DOCUMENT_AI_PROCESSOR_VERSION", ""),
		GCSOutputBucket:            getEnv("GCS_OUTPUT_BUCKET", ""),
		GCSOutputFolder:            getEnv("GCS_OUTPUT_FOLDER", "analysis"),
		BackendTimeout:             p.duration("BACKEND_TIMEOUT", 60*time.Second),

		JobStoreDriver: getEnv("JOBSTORE_DRIVER", DriverSQLite),
		JobStoreDSN:    getEnv("JOBSTORE_DSN", "jobs.db"),

		ResultSink:        strings.ToLower(getEnv("RESULT_SINK", SinkStore)),
		ResultS3Endpoint:  getEnv("RESULT_S3_ENDPOINT", ""),
		ResultS3AccessKey: getEnv("RESULT_S3_ACCESS_KEY", ""),
		ResultS3SecretKey: getEnv("RESULT_S3_SECRET_KEY", ""),
		ResultS3Bucket:    getEnv("RESULT_S3_BUCKET", ""),
		ResultS3Prefix:    getEnv("RESULT_S3_PREFIX", "results"),
		ResultS3Region:    getEnv("RESULT_S3_REGION", ""),
		ResultS3UseSSL:    p.bool("RESULT_S3_USE_SSL", true),

		AlertSheetURL:       getEnv("ALERT_SHEET_URL", ""),
		AlertSheetWorksheet: getEnv("ALERT_SHEET_WORKSHEET", "Job_Alerts"),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		Workers:    p.int("WORKERS", 8),
		QueueSize:  p.int("QUEUE_SIZE", 256),

		LaunchMaxAttempts: p.int("LAUNCH_MAX_ATTEMPTS", 3),
		FetchMaxAttempts:  p.int("FETCH_MAX_ATTEMPTS", 5),
		RetryBaseDelay:    p.duration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     p.duration("RETRY_MAX_DELAY", 30*time.Second),
		StartRateLimit:    p.float("START_RATE_LIMIT", 5),
		StartRateBurst:    p.int("START_RATE_BURST", 5),

		JobMaxAge:          p.duration("JOB_MAX_AGE", time.Hour),
		SignalGrace:        p.duration("SIGNAL_GRACE", 5*time.Minute),
		FetchStallAfter:    p.duration("FETCH_STALL_AFTER", 5*time.Minute),
		ReconcileInterval:  p.duration("RECONCILE_INTERVAL", time.Minute),
		ReconcilePoll:      p.bool("RECONCILE_POLL", true),
		ReconcileBatchSize: p.int("RECONCILE_BATCH_SIZE", 500),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
	}

	if p.err != nil {
		return nil, p.err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.AnalysisBackend {
	case BackendDocumentAI:
		if c.DocumentAIProcessorID == "" {
			return fmt.Errorf("DOCUMENT_AI_PROCESSOR_ID is required for the documentai backend")
		}
	case BackendVision:
	default:
		return fmt.Errorf("ANALYSIS_BACKEND must be %q or %q, got %q", BackendDocumentAI, BackendVision, c.AnalysisBackend)
	}
	if c.GoogleCloudProject == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
	}
	if c.GCSOutputBucket == "" {
		return fmt.Errorf("GCS_OUTPUT_BUCKET is required")
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.LaunchMaxAttempts < 1 || c.FetchMaxAttempts < 1 {
		return fmt.Errorf("LAUNCH_MAX_ATTEMPTS and FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.JobMaxAge <= 0 {
		return fmt.Errorf("JOB_MAX_AGE must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.JobStoreDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("JOBSTORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.JobStoreDriver)
	}
	if c.JobStoreDSN == "" {
		return fmt.Errorf("JOBSTORE_DSN is required")
	}

	switch c.ResultSink {
	case SinkStore:
	case SinkObject:
		if c.ResultS3Endpoint == "" || c.ResultS3Bucket == "" {
			return fmt.Errorf("RESULT_S3_ENDPOINT and RESULT_S3_BUCKET are required for the s3 result sink")
		}
		if c.ResultS3AccessKey == "" || c.ResultS3SecretKey == "" {
			return fmt.Errorf("RESULT_S3_ACCESS_KEY and RESULT_S3_SECRET_KEY are required for the s3 result sink")
		}
	default:
		return fmt.Errorf("RESULT_SINK must be %q or %q, got %q", SinkStore, SinkObject, c.ResultSink)
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser remembers the first malformed value so Load can report it.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultValue
	}
	return v
}

func (p *parser) float(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultValue
	}
	return v
}
