package config

import (
	"encoding/json"
	"os"

	"github.com/forgestack/exportpipe/internal/flagx"
	"github.com/forgestack/exportpipe/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "1s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its set fields are copied into the runtime
// Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`
	ProjectsDir string `json:"projects_dir"`

	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
	S3Bucket    string `json:"s3_bucket"`
	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3PartSize  int64  `json:"s3_part_size"`

	Concurrency    int     `json:"concurrency"`
	StartRate      float64 `json:"start_rate"`
	ExportsPerHour int     `json:"exports_per_hour"`
	MaxAttempts    int     `json:"max_attempts"`

	ZipBombThreshold float64        `json:"zip_bomb_threshold"`
	JobTTL           timex.Duration `json:"job_ttl"`
	ProgressInterval timex.Duration `json:"progress_interval"`

	PollInterval      timex.Duration `json:"poll_interval"`
	HeartbeatInterval timex.Duration `json:"heartbeat_interval"`
	StalledAfter      timex.Duration `json:"stalled_after"`

	StorageRetention        timex.Duration `json:"storage_retention"`
	QueueCompletedRetention timex.Duration `json:"queue_completed_retention"`
	QueueFailedRetention    timex.Duration `json:"queue_failed_retention"`
	JobRowRetention         timex.Duration `json:"job_row_retention"`
	MaintenanceInterval     timex.Duration `json:"maintenance_interval"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when neither
// is set, no JSON file is loaded. Only fields present with a non-zero value
// override the current configuration, so a partial file works. If the file
// cannot be read or contains invalid JSON, the function panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.ProjectsDir != "" {
		config.ProjectsDir = c.ProjectsDir
	}
	if c.S3AccessKey != "" {
		config.S3AccessKey = c.S3AccessKey
	}
	if c.S3SecretKey != "" {
		config.S3SecretKey = c.S3SecretKey
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3Endpoint != "" {
		config.S3Endpoint = c.S3Endpoint
	}
	if c.S3PartSize > 0 {
		config.S3PartSize = c.S3PartSize
	}
	if c.Concurrency > 0 {
		config.Concurrency = c.Concurrency
	}
	if c.StartRate > 0 {
		config.StartRate = c.StartRate
	}
	if c.ExportsPerHour > 0 {
		config.ExportsPerHour = c.ExportsPerHour
	}
	if c.MaxAttempts > 0 {
		config.MaxAttempts = c.MaxAttempts
	}
	if c.ZipBombThreshold > 0 {
		config.ZipBombThreshold = c.ZipBombThreshold
	}
	if c.JobTTL.Duration > 0 {
		config.JobTTL = c.JobTTL.Duration
	}
	if c.ProgressInterval.Duration > 0 {
		config.ProgressInterval = c.ProgressInterval.Duration
	}
	if c.PollInterval.Duration > 0 {
		config.PollInterval = c.PollInterval.Duration
	}
	if c.HeartbeatInterval.Duration > 0 {
		config.HeartbeatInterval = c.HeartbeatInterval.Duration
	}
	if c.StalledAfter.Duration > 0 {
		config.StalledAfter = c.StalledAfter.Duration
	}
	if c.StorageRetention.Duration > 0 {
		config.StorageRetention = c.StorageRetention.Duration
	}
	if c.QueueCompletedRetention.Duration > 0 {
		config.QueueCompletedRetention = c.QueueCompletedRetention.Duration
	}
	if c.QueueFailedRetention.Duration > 0 {
		config.QueueFailedRetention = c.QueueFailedRetention.Duration
	}
	if c.JobRowRetention.Duration > 0 {
		config.JobRowRetention = c.JobRowRetention.Duration
	}
	if c.MaintenanceInterval.Duration > 0 {
		config.MaintenanceInterval = c.MaintenanceInterval.Duration
	}
}
