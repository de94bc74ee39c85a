package config

import (
	"fmt"
	"strings"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors reports whether any validation errors were recorded.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values. Routing misconfiguration is
// treated the same as any other validation error and is fatal at startup.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate checks the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateScheduler(&cfg.Scheduler)
	v.validateExecutors(&cfg.Executors)
	v.validateRouting(cfg)
	v.validateStore(&cfg.Store)
	v.validateServer(&cfg.Server)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateScheduler(cfg *SchedulerConfig) {
	if cfg.PollInterval <= 0 {
		v.addError("scheduler.poll_interval", "must be positive")
	}
	if cfg.HeartbeatTimeout <= 0 {
		v.addError("scheduler.heartbeat_timeout", "must be positive")
	}
	if cfg.LeaderLease <= 0 {
		v.addError("scheduler.leader_lease", "must be positive")
	}
	if cfg.MaxDispatchPerCycle <= 0 {
		v.addError("scheduler.max_dispatch_per_cycle", "must be positive")
	}
}

var knownExecutors = map[string]bool{
	"local":   true,
	"broker":  true,
	"process": true,
}

func (v *Validator) validateExecutors(cfg *ExecutorsConfig) {
	if len(cfg.Enabled) == 0 {
		v.addError("executors.enabled", "at least one executor must be enabled")
	}
	for _, name := range cfg.Enabled {
		if !knownExecutors[name] {
			v.addError("executors.enabled", fmt.Sprintf("unknown executor: %s", name))
		}
	}
	if cfg.SubmitRetries < 0 {
		v.addError("executors.submit_retries", "must not be negative")
	}
	if cfg.SubmitBackoff <= 0 {
		v.addError("executors.submit_backoff", "must be positive")
	}
	if cfg.Local.Workers <= 0 {
		v.addError("executors.local.workers", "must be positive")
	}
	if cfg.Local.QueueSize <= 0 {
		v.addError("executors.local.queue_size", "must be positive")
	}
	if cfg.Broker.Workers < 0 {
		v.addError("executors.broker.workers", "must not be negative")
	}
	if cfg.Broker.WorkerConcurrency <= 0 {
		v.addError("executors.broker.worker_concurrency", "must be positive")
	}
	if cfg.Process.MaxProcesses <= 0 {
		v.addError("executors.process.max_processes", "must be positive")
	}
}

// validateRouting checks that every rule targets an enabled executor and
// that a default exists when rules do not cover the default queue.
func (v *Validator) validateRouting(cfg *Config) {
	enabled := make(map[string]bool, len(cfg.Executors.Enabled))
	for _, name := range cfg.Executors.Enabled {
		enabled[name] = true
	}

	seen := make(map[string]bool)
	for i, rule := range cfg.Routing.Rules {
		field := fmt.Sprintf("routing.rules[%d]", i)
		if rule.Queue == "" {
			v.addError(field, "queue must not be empty")
		}
		if rule.Executor == "" {
			v.addError(field, "executor must not be empty")
		} else if !enabled[rule.Executor] {
			v.addError(field, fmt.Sprintf("executor %q is not enabled", rule.Executor))
		}
		if seen[rule.Queue] {
			v.addError(field, fmt.Sprintf("duplicate rule for queue %q", rule.Queue))
		}
		seen[rule.Queue] = true
	}

	if cfg.Routing.DefaultExecutor != "" && !enabled[cfg.Routing.DefaultExecutor] {
		v.addError("routing.default_executor",
			fmt.Sprintf("executor %q is not enabled", cfg.Routing.DefaultExecutor))
	}
	if cfg.Routing.DefaultExecutor == "" && len(cfg.Routing.Rules) == 0 {
		v.addError("routing", "no routing rules and no default executor configured")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	switch cfg.Type {
	case "memory":
	case "postgres":
		if cfg.DSN == "" {
			v.addError("store.dsn", "required when store.type is postgres")
		}
	default:
		v.addError("store.type", fmt.Sprintf("unknown store type: %s", cfg.Type))
	}
	if cfg.MaxOpenConns < 0 {
		v.addError("store.max_open_conns", "must not be negative")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "must not be empty")
	}
	if cfg.ReadTimeout <= 0 {
		v.addError("server.read_timeout", "must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		v.addError("server.write_timeout", "must be positive")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level: %s", cfg.Level))
	}
}
