package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/task-scheduler/pkg/types"
)

// Config is the complete configuration for the scheduler process.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executors ExecutorsConfig `yaml:"executors"`
	Routing   RoutingConfig   `yaml:"routing"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SchedulerConfig holds control loop configuration.
type SchedulerConfig struct {
	// PollInterval is the pause between scheduling cycles.
	PollInterval time.Duration `yaml:"poll_interval" env:"TS_SCHEDULER_POLL_INTERVAL"`

	// HeartbeatTimeout is how long a running instance may go without a
	// heartbeat before it is considered orphaned.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"TS_SCHEDULER_HEARTBEAT_TIMEOUT"`

	// LeaderLease is the duration of the dispatch leadership lease held
	// in the store when multiple schedulers share state.
	LeaderLease time.Duration `yaml:"leader_lease" env:"TS_SCHEDULER_LEADER_LEASE"`

	// MaxDispatchPerCycle caps how many instances one cycle may dispatch.
	MaxDispatchPerCycle int `yaml:"max_dispatch_per_cycle" env:"TS_SCHEDULER_MAX_DISPATCH"`
}

// ExecutorsConfig holds per-adapter configuration.
type ExecutorsConfig struct {
	// Enabled lists the executors to start: local, broker, process.
	Enabled []string `yaml:"enabled" env:"TS_EXECUTORS_ENABLED"`

	Local   LocalExecutorConfig   `yaml:"local"`
	Broker  BrokerExecutorConfig  `yaml:"broker"`
	Process ProcessExecutorConfig `yaml:"process"`

	// SubmitRetries is how many times a transient submission failure is
	// retried before surfacing as a failure.
	SubmitRetries int `yaml:"submit_retries" env:"TS_EXECUTORS_SUBMIT_RETRIES"`

	// SubmitBackoff is the base backoff between submission retries.
	SubmitBackoff time.Duration `yaml:"submit_backoff" env:"TS_EXECUTORS_SUBMIT_BACKOFF"`
}

// LocalExecutorConfig configures the in-process worker pool executor.
type LocalExecutorConfig struct {
	Workers   int `yaml:"workers" env:"TS_LOCAL_WORKERS"`
	QueueSize int `yaml:"queue_size" env:"TS_LOCAL_QUEUE_SIZE"`
}

// BrokerExecutorConfig configures the message-broker executor.
type BrokerExecutorConfig struct {
	// Workers is the number of broker workers started in-process.
	Workers int `yaml:"workers" env:"TS_BROKER_WORKERS"`

	// WorkerConcurrency is the number of tasks each worker runs at once.
	WorkerConcurrency int `yaml:"worker_concurrency" env:"TS_BROKER_WORKER_CONCURRENCY"`

	// HeartbeatInterval is how often workers report liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"TS_BROKER_HEARTBEAT_INTERVAL"`
}

// ProcessExecutorConfig configures the subprocess executor.
type ProcessExecutorConfig struct {
	// MaxProcesses caps concurrent subprocesses.
	MaxProcesses int `yaml:"max_processes" env:"TS_PROCESS_MAX"`

	// KillGracePeriod is how long a cancelled process gets between
	// SIGTERM and SIGKILL.
	KillGracePeriod time.Duration `yaml:"kill_grace_period" env:"TS_PROCESS_KILL_GRACE"`
}

// RoutingConfig maps queues to executors.
type RoutingConfig struct {
	Rules []types.RoutingRule `yaml:"rules"`

	// DefaultExecutor receives tasks whose queue matches no rule.
	// Empty means unmatched queues are a configuration error.
	DefaultExecutor string `yaml:"default_executor" env:"TS_ROUTING_DEFAULT_EXECUTOR"`
}

// StoreConfig selects and configures the state store.
type StoreConfig struct {
	// Type is memory or postgres.
	Type string `yaml:"type" env:"TS_STORE_TYPE"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" env:"TS_STORE_DSN"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"TS_STORE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"TS_STORE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"TS_STORE_CONN_MAX_LIFETIME"`
}

// ServerConfig holds REST API server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"TS_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"TS_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TS_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"TS_SERVER_ENABLE_CORS"`
	APIKey       string        `yaml:"api_key" env:"TS_SERVER_API_KEY"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"TS_LOG_LEVEL"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PollInterval:        500 * time.Millisecond,
			HeartbeatTimeout:    30 * time.Second,
			LeaderLease:         15 * time.Second,
			MaxDispatchPerCycle: 100,
		},
		Executors: ExecutorsConfig{
			Enabled: []string{"local"},
			Local: LocalExecutorConfig{
				Workers:   8,
				QueueSize: 256,
			},
			Broker: BrokerExecutorConfig{
				Workers:           2,
				WorkerConcurrency: 4,
				HeartbeatInterval: 5 * time.Second,
			},
			Process: ProcessExecutorConfig{
				MaxProcesses:    16,
				KillGracePeriod: 5 * time.Second,
			},
			SubmitRetries: 3,
			SubmitBackoff: 200 * time.Millisecond,
		},
		Routing: RoutingConfig{
			Rules:           nil,
			DefaultExecutor: "local",
		},
		Store: StoreConfig{
			Type:            "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load loads configuration with precedence defaults < YAML file < env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// applyEnvOverrides recursively applies env-tagged overrides to struct fields.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnvOverrides(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldValue sets a reflect.Value from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(n)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
