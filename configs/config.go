// Package config loads engine settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Tracing     TracingConfig     `yaml:"tracing"`
	API         APIConfig         `yaml:"api"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

type EngineConfig struct {
	MaxConcurrentJobs        int  `yaml:"max_concurrent_jobs" validate:"min=1"`
	JobTimeoutSeconds        int  `yaml:"job_timeout_seconds" validate:"gt=0"`
	ConnectionTimeoutSeconds int  `yaml:"connection_timeout_seconds" validate:"gt=0,ltfield=JobTimeoutSeconds"`
	AdmissionTimeoutSeconds  int  `yaml:"admission_timeout_seconds" validate:"gte=0"`
	SinkTimeoutSeconds       int  `yaml:"sink_timeout_seconds" validate:"gt=0"`
	RetainFinishedMinutes    int  `yaml:"retain_finished_minutes" validate:"gt=0"`
	OutputLimitBytes         int  `yaml:"output_limit_bytes" validate:"min=1024"`
	InsecureTLS              bool `yaml:"insecure_tls"`
	BreakerFailures          int  `yaml:"breaker_failures" validate:"min=1"`
	BreakerCooldownSeconds   int  `yaml:"breaker_cooldown_seconds" validate:"gt=0"`
}

type LogConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
	Output   string `yaml:"output" validate:"required"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=postgres memory"`
	DBHost          string `yaml:"db_host"`
	DBPort          string `yaml:"db_port"`
	DBUser          string `yaml:"db_user"`
	DBPassword      string `yaml:"db_password"`
	DBName          string `yaml:"db_name"`
	DBSSLMode       string `yaml:"db_sslmode"`
	CredentialsFile string `yaml:"credentials_file"`
	InventoryFile   string `yaml:"inventory_file"`
}

// DSN builds the Postgres connection string.
func (s StorageConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		s.DBHost, s.DBUser, s.DBPassword, s.DBName, s.DBPort, s.DBSSLMode)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ArchiveConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=none local s3"`
	LocalDir   string `yaml:"local_dir" validate:"required_if=Backend local"`
	S3Bucket   string `yaml:"s3_bucket" validate:"required_if=Backend s3"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" validate:"required_if=Enabled true"`
	GroupID string   `yaml:"group_id"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Environment  string  `yaml:"environment"`
}

type APIConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr" validate:"required_if=Enabled true"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes" validate:"gt=0"`
	SubmitsPerMinute int    `yaml:"submits_per_minute" validate:"gt=0"`
	SubmitBurst      int    `yaml:"submit_burst" validate:"gt=0"`
}

type HealthCheckConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency" validate:"gt=0"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentJobs:        10,
			JobTimeoutSeconds:        300,
			ConnectionTimeoutSeconds: 30,
			SinkTimeoutSeconds:       30,
			RetainFinishedMinutes:    60,
			OutputLimitBytes:         64 << 10,
			BreakerFailures:          5,
			BreakerCooldownSeconds:   30,
		},
		Log:         LogConfig{Level: "info", Encoding: "json", Output: "stdout"},
		Storage:     StorageConfig{Backend: "memory", DBHost: "localhost", DBPort: "5432", DBUser: "orca", DBPassword: "password", DBName: "orca", DBSSLMode: "disable"},
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Archive:     ArchiveConfig{Backend: "none"},
		Kafka:       KafkaConfig{Topic: "orca.jobs", GroupID: "orca-engine"},
		Tracing:     TracingConfig{Endpoint: "localhost:4318", SamplingRate: 1.0, Environment: "development"},
		API:         APIConfig{Enabled: true, Addr: ":8080", MaxBodyBytes: 1 << 20, SubmitsPerMinute: 60, SubmitBurst: 10},
		HealthCheck: HealthCheckConfig{Schedule: "@every 5m", Concurrency: 8},
	}
}

// LoadConfig applies ORCA_CONFIG_FILE (if set) and then the environment on
// top of the defaults and validates the result.
func LoadConfig() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("ORCA_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	e := &c.Engine
	e.MaxConcurrentJobs = getEnvAsInt("MAX_CONCURRENT_JOBS", e.MaxConcurrentJobs)
	e.JobTimeoutSeconds = getEnvAsInt("JOB_TIMEOUT_SECONDS", e.JobTimeoutSeconds)
	e.ConnectionTimeoutSeconds = getEnvAsInt("CONNECTION_TIMEOUT_SECONDS", e.ConnectionTimeoutSeconds)
	e.AdmissionTimeoutSeconds = getEnvAsInt("ADMISSION_TIMEOUT_SECONDS", e.AdmissionTimeoutSeconds)
	e.SinkTimeoutSeconds = getEnvAsInt("SINK_TIMEOUT_SECONDS", e.SinkTimeoutSeconds)
	e.RetainFinishedMinutes = getEnvAsInt("RETAIN_FINISHED_MINUTES", e.RetainFinishedMinutes)
	e.OutputLimitBytes = getEnvAsInt("OUTPUT_LIMIT_BYTES", e.OutputLimitBytes)
	e.InsecureTLS = getEnvAsBool("INSECURE_TLS", e.InsecureTLS)
	e.BreakerFailures = getEnvAsInt("BREAKER_FAILURES", e.BreakerFailures)
	e.BreakerCooldownSeconds = getEnvAsInt("BREAKER_COOLDOWN_SECONDS", e.BreakerCooldownSeconds)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("LOG_ENCODING", c.Log.Encoding)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)

	s := &c.Storage
	s.Backend = getEnv("STORAGE_BACKEND", s.Backend)
	s.DBHost = getEnv("DB_HOST", s.DBHost)
	s.DBPort = getEnv("DB_PORT", s.DBPort)
	s.DBUser = getEnv("DB_USER", s.DBUser)
	s.DBPassword = getEnv("DB_PASSWORD", s.DBPassword)
	s.DBName = getEnv("DB_NAME", s.DBName)
	s.DBSSLMode = getEnv("DB_SSLMODE", s.DBSSLMode)
	s.CredentialsFile = getEnv("CREDENTIALS_FILE", s.CredentialsFile)
	s.InventoryFile = getEnv("INVENTORY_FILE", s.InventoryFile)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	a := &c.Archive
	a.Backend = getEnv("ARCHIVE_BACKEND", a.Backend)
	a.LocalDir = getEnv("ARCHIVE_LOCAL_DIR", a.LocalDir)
	a.S3Bucket = getEnv("ARCHIVE_S3_BUCKET", a.S3Bucket)
	a.S3Prefix = getEnv("ARCHIVE_S3_PREFIX", a.S3Prefix)
	a.S3Region = getEnv("ARCHIVE_S3_REGION", a.S3Region)
	a.S3Endpoint = getEnv("ARCHIVE_S3_ENDPOINT", a.S3Endpoint)

	c.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Tracing.Enabled = getEnvAsBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.SamplingRate = getEnvAsFloat("TRACING_SAMPLING_RATE", c.Tracing.SamplingRate)
	c.Tracing.Environment = getEnv("ENVIRONMENT", c.Tracing.Environment)

	c.API.Enabled = getEnvAsBool("API_ENABLED", c.API.Enabled)
	c.API.Addr = getEnv("API_ADDR", c.API.Addr)
	c.API.SubmitsPerMinute = getEnvAsInt("API_SUBMITS_PER_MINUTE", c.API.SubmitsPerMinute)
	c.API.SubmitBurst = getEnvAsInt("API_SUBMIT_BURST", c.API.SubmitBurst)

	c.HealthCheck.Enabled = getEnvAsBool("HEALTH_CHECK_ENABLED", c.HealthCheck.Enabled)
	c.HealthCheck.Schedule = getEnv("HEALTH_CHECK_SCHEDULE", c.HealthCheck.Schedule)
	c.HealthCheck.Concurrency = getEnvAsInt("HEALTH_CHECK_CONCURRENCY", c.HealthCheck.Concurrency)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func (e EngineConfig) JobTimeout() time.Duration {
	return time.Duration(e.JobTimeoutSeconds) * time.Second
}

func (e EngineConfig) ConnectionTimeout() time.Duration {
	return time.Duration(e.ConnectionTimeoutSeconds) * time.Second
}

// AdmissionTimeout is zero when unset, letting the engine fall back to the job timeout.
func (e EngineConfig) AdmissionTimeout() time.Duration {
	return time.Duration(e.AdmissionTimeoutSeconds) * time.Second
}

func (e EngineConfig) SinkTimeout() time.Duration {
	return time.Duration(e.SinkTimeoutSeconds) * time.Second
}

func (e EngineConfig) RetainFinished() time.Duration {
	return time.Duration(e.RetainFinishedMinutes) * time.Minute
}

func (e EngineConfig) BreakerCooldown() time.Duration {
	return time.Duration(e.BreakerCooldownSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
