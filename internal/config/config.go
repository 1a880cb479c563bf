package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionEnvType selects the runtime used for code units that do not name one.
type ExecutionEnvType string

const (
	EnvProcess    ExecutionEnvType = "process"
	EnvDocker     ExecutionEnvType = "docker"
	EnvKubernetes ExecutionEnvType = "kubernetes"
)

// ArchiveBackendType selects where raw uploaded archives are persisted.
type ArchiveBackendType string

const (
	BackendLocal ArchiveBackendType = "local"
	BackendS3    ArchiveBackendType = "s3"
)

// S3Config holds the settings of the S3 archive backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Config holds all the configuration for the application.
type Config struct {
	ListenAddr         string             `yaml:"listen_addr"`
	DatabaseDSN        string             `yaml:"database_dsn"`
	FunctionStorageDir string             `yaml:"function_storage_dir"` // Package Store root: archives/ and functions/
	ArchiveBackend     ArchiveBackendType `yaml:"archive_backend"`
	S3                 S3Config           `yaml:"s3"`

	ExecutionEnv      ExecutionEnvType `yaml:"execution_env"`
	PythonBin         string           `yaml:"python_bin"`
	WorkerImage       string           `yaml:"worker_image"`
	HarborURL         string           `yaml:"harbor_url"`
	HarborUser        string           `yaml:"harbor_user"`
	HarborPass        string           `yaml:"harbor_pass"`
	KubeNamespace     string           `yaml:"kube_namespace"`
	DefaultEntrypoint string           `yaml:"default_entrypoint"`
	InvokeTimeout     time.Duration    `yaml:"invoke_timeout"`
	UnitCache         bool             `yaml:"unit_cache"`
	MaxUploadBytes    int64            `yaml:"max_upload_bytes"`

	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
	NotifyWorkers   int           `yaml:"notify_workers"`
	NotifyQueueSize int           `yaml:"notify_queue_size"`

	TracingEnabled bool   `yaml:"tracing_enabled"`
	TracingOutput  string `yaml:"tracing_output"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DatabaseDSN:        "sqlite:///tmp/cloudfunctions/registry.db",
		FunctionStorageDir: "/tmp/cloudfunctions",
		ArchiveBackend:     BackendLocal,
		S3:                 S3Config{Region: "us-east-1"},
		ExecutionEnv:       EnvProcess,
		PythonBin:          "python3",
		WorkerImage:        "python:3.12-slim",
		KubeNamespace:      "cloudfunctions",
		DefaultEntrypoint:  "hello.py",
		InvokeTimeout:      30 * time.Second,
		UnitCache:          true,
		MaxUploadBytes:     32 << 20,
		NotifyTimeout:      5 * time.Second,
		NotifyWorkers:      4,
		NotifyQueueSize:    256,
	}
}

// MustLoad loads configuration and panics when it is invalid.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and finally environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.FunctionStorageDir = getenv("FUNCTION_STORAGE_DIR", cfg.FunctionStorageDir)
	cfg.S3.Bucket = getenv("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Endpoint = getenv("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.Region = getenv("S3_REGION", cfg.S3.Region)
	cfg.S3.AccessKey = getenv("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getenv("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.PythonBin = getenv("PYTHON_BIN", cfg.PythonBin)
	cfg.WorkerImage = getenv("WORKER_IMAGE", cfg.WorkerImage)
	cfg.HarborURL = getenv("HARBOR_URL", cfg.HarborURL)
	cfg.HarborUser = getenv("HARBOR_USER", cfg.HarborUser)
	cfg.HarborPass = getenv("HARBOR_PASS", cfg.HarborPass)
	cfg.KubeNamespace = getenv("KUBE_NAMESPACE", cfg.KubeNamespace)
	cfg.DefaultEntrypoint = getenv("DEFAULT_ENTRYPOINT", cfg.DefaultEntrypoint)
	cfg.TracingOutput = getenv("TRACING_OUTPUT", cfg.TracingOutput)

	switch strings.ToLower(getenv("EXECUTION_ENV", string(cfg.ExecutionEnv))) {
	case "docker":
		cfg.ExecutionEnv = EnvDocker
	case "kubernetes":
		cfg.ExecutionEnv = EnvKubernetes
	default:
		cfg.ExecutionEnv = EnvProcess
	}

	switch strings.ToLower(getenv("ARCHIVE_BACKEND", string(cfg.ArchiveBackend))) {
	case "s3":
		cfg.ArchiveBackend = BackendS3
	default:
		cfg.ArchiveBackend = BackendLocal
	}

	var err error
	if cfg.InvokeTimeout, err = getDuration("INVOKE_TIMEOUT", cfg.InvokeTimeout); err != nil {
		return cfg, err
	}
	if cfg.NotifyTimeout, err = getDuration("NOTIFY_TIMEOUT", cfg.NotifyTimeout); err != nil {
		return cfg, err
	}
	if cfg.NotifyWorkers, err = getInt("NOTIFY_WORKERS", cfg.NotifyWorkers); err != nil {
		return cfg, err
	}
	if cfg.NotifyQueueSize, err = getInt("NOTIFY_QUEUE_SIZE", cfg.NotifyQueueSize); err != nil {
		return cfg, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return cfg, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.UnitCache, err = getBool("UNIT_CACHE", cfg.UnitCache); err != nil {
		return cfg, err
	}
	if cfg.TracingEnabled, err = getBool("TRACING_ENABLED", cfg.TracingEnabled); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	if c.FunctionStorageDir == "" {
		return fmt.Errorf("FUNCTION_STORAGE_DIR must not be empty")
	}
	if c.ArchiveBackend == BackendS3 && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when ARCHIVE_BACKEND=s3")
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.NotifyWorkers)
	}
	if c.NotifyQueueSize <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive, got %d", c.NotifyQueueSize)
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("INVOKE_TIMEOUT must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
