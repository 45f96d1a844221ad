package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GCS_OUTPUT_BUCKET", "out")
	t.Setenv("DOCUMENT_AI_PROCESSOR_ID", "proc")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendDocumentAI, cfg.AnalysisBackend)
	assert.Equal(t, "us", cfg.GoogleCloudLocation)
	assert.Equal(t, DriverSQLite, cfg.JobStoreDriver)
	assert.Equal(t, "jobs.db", cfg.JobStoreDSN)
	assert.Equal(t, SinkStore, cfg.ResultSink)
	assert.Equal(t, 3, cfg.LaunchMaxAttempts)
	assert.Equal(t, 5, cfg.FetchMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Hour, cfg.JobMaxAge)
	assert.Equal(t, 5*time.Minute, cfg.SignalGrace)
	assert.True(t, cfg.ReconcilePoll)
	assert.Equal(t, "Job_Alerts", cfg.AlertSheetWorksheet)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ANALYSIS_BACKEND", "Vision")
	t.Setenv("JOBSTORE_DRIVER", "pgx")
	t.Setenv("JOBSTORE_DSN", "postgres://localhost/jobs")
	t.Setenv("JOB_MAX_AGE", "90m")
	t.Setenv("START_RATE_LIMIT", "2.5")
	t.Setenv("RECONCILE_POLL", "false")
	t.Setenv("WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendVision, cfg.AnalysisBackend)
	assert.Equal(t, DriverPostgres, cfg.JobStoreDriver)
	assert.Equal(t, 90*time.Minute, cfg.JobMaxAge)
	assert.Equal(t, 2.5, cfg.StartRateLimit)
	assert.False(t, cfg.ReconcilePoll)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "bad duration", key: "JOB_MAX_AGE", val: "soon", want: "JOB_MAX_AGE"},
		{name: "bad int", key: "WORKERS", val: "many", want: "WORKERS"},
		{name: "bad bool", key: "RECONCILE_POLL", val: "maybe", want: "RECONCILE_POLL"},
		{name: "unknown backend", key: "ANALYSIS_BACKEND", val: "textract", want: "ANALYSIS_BACKEND"},
		{name: "unknown driver", key: "JOBSTORE_DRIVER", val: "mysql", want: "JOBSTORE_DRIVER"},
		{name: "unknown sink", key: "RESULT_SINK", val: "ftp", want: "RESULT_SINK"},
		{name: "zero workers", key: "WORKERS", val: "0", want: "WORKERS"},
		{name: "zero attempts", key: "LAUNCH_MAX_ATTEMPTS", val: "0", want: "LAUNCH_MAX_ATTEMPTS"},
		{name: "negative max age", key: "JOB_MAX_AGE", val: "-1m", want: "JOB_MAX_AGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_RequiresBackendSettings(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GCS_OUTPUT_BUCKET", "out")
	t.Setenv("DOCUMENT_AI_PROCESSOR_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOCUMENT_AI_PROCESSOR_ID")

	// Vision needs no processor.
	t.Setenv("ANALYSIS_BACKEND", "vision")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoad_ObjectSinkSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("RESULT_SINK", "s3")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESULT_S3_ENDPOINT")

	t.Setenv("RESULT_S3_ENDPOINT", "minio:9000")
	t.Setenv("RESULT_S3_BUCKET", "results")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESULT_S3_ACCESS_KEY")

	t.Setenv("RESULT_S3_ACCESS_KEY", "ak")
	t.Setenv("RESULT_S3_SECRET_KEY", "sk")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ResultS3UseSSL)
}

func TestLoadStore_SkipsBackendValidation(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("GCS_OUTPUT_BUCKET", "")

	_, err := Load()
	require.Error(t, err)

	cfg, err := LoadStore()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.JobStoreDriver)

	t.Setenv("JOBSTORE_DRIVER", "mysql")
	_, err = LoadStore()
	assert.Error(t, err)
}

func TestGetLoggerConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	lc := cfg.GetLoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "stdout", lc.Output)
}
