package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/policy"
	"github.com/openfroyo/netfroyo/pkg/telemetry"
)

// Config is the netfroyo application configuration.
type Config struct {
	// Engine holds the default reconcile options.
	Engine EngineConfig `json:"engine"`

	// Backend selects the network stack to manage.
	Backend BackendConfig `json:"backend"`

	// Store configures the run history database.
	Store StoreConfig `json:"store"`

	// Policy configures the plan guard.
	Policy PolicyConfig `json:"policy"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// EngineConfig holds the reconcile options used when the CLI does not
// override them. Durations are Go duration strings ("60s", "1m30s").
type EngineConfig struct {
	// Verify re-reads the live state after applying and compares it.
	Verify bool `json:"verify"`

	// Timeout bounds the verify loop.
	Timeout string `json:"timeout" validate:"omitempty,duration"`

	// PollInterval is the pause between verify polls.
	PollInterval string `json:"poll_interval" validate:"omitempty,duration"`

	// MaxPolls caps the number of verify polls; 0 means no cap.
	MaxPolls int `json:"max_polls" validate:"gte=0"`

	// RollbackOnFailure reverts the checkpoint when a run fails.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	// Wait blocks on a busy checkpoint slot instead of failing.
	Wait bool `json:"wait"`

	// Strict turns canonicalization warnings into errors.
	Strict bool `json:"strict"`

	// RevertAttempts is how often a failed revert is retried.
	RevertAttempts int `json:"revert_attempts" validate:"gte=1,lte=10"`

	// RevertBackoff is the pause between revert attempts.
	RevertBackoff string `json:"revert_backoff" validate:"omitempty,duration"`
}

// BackendConfig selects the backend.
type BackendConfig struct {
	// Kind is memory or kernel.
	Kind string `json:"kind" validate:"required,oneof=memory kernel"`

	// Netns is the named network namespace the kernel backend enters.
	Netns string `json:"netns,omitempty" validate:"omitempty,excludesall=/"`

	// StatePath persists the memory backend state to a YAML file.
	StatePath string `json:"state_path,omitempty"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Enabled records every run.
	Enabled bool `json:"enabled"`

	// Path is the SQLite database file.
	Path string `json:"path" validate:"required_if=Enabled true"`

	// MaxOpenConns is the connection pool size.
	MaxOpenConns int `json:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns is the idle connection pool size.
	MaxIdleConns int `json:"max_idle_conns" validate:"gte=0"`

	// Retention prunes runs older than this when the store is opened.
	// Empty keeps every run.
	Retention string `json:"retention,omitempty" validate:"omitempty,duration"`
}

// PolicyConfig configures the plan guard.
type PolicyConfig struct {
	// Enabled guards every plan before it is applied.
	Enabled bool `json:"enabled"`

	// Paths lists policy files and directories.
	Paths []string `json:"paths,omitempty"`

	// Watch reloads policies when files under Paths change.
	Watch bool `json:"watch"`

	// Protected lists interfaces that must not be removed or brought down.
	Protected []string `json:"protected,omitempty" validate:"dive,required,max=15"`

	// MaxOperations warns about plans larger than this; 0 disables the check.
	MaxOperations int `json:"max_operations" validate:"gte=0"`

	// Disabled lists built-in policies to turn off.
	Disabled []string `json:"disabled,omitempty"`

	// Environment is passed to policies as input.context.environment.
	Environment string `json:"environment,omitempty"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
	Events  EventsConfig  `json:"events"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" validate:"oneof=console json"`
	Output string `json:"output"`
	Caller bool   `json:"caller"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listen_address,omitempty" validate:"omitempty,hostname_port"`
	Namespace     string `json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure"`
}

// EventsConfig configures event delivery.
type EventsConfig struct {
	Enabled    bool `json:"enabled"`
	Async      bool `json:"async"`
	BufferSize int  `json:"buffer_size" validate:"gte=0"`
}

// ParsedConfig is the result of parsing configuration sources.
type ParsedConfig struct {
	// Config is the merged configuration, nil when Errors is not empty.
	Config *Config `json:"config,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g., "engine.timeout").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is returned when configuration does not validate.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "validation failed"
	case 1:
		return v[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more errors)", v[0].Error(), len(v)-1)
	}
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given:
// the kernel backend with verification and rollback on, no history and
// built-in guard policies only.
func DefaultConfig() *Config {
	defaults := engine.DefaultOptions()
	tel := telemetry.DefaultConfig()

	return &Config{
		Engine: EngineConfig{
			Verify:            defaults.Verify,
			Timeout:           defaults.Timeout.String(),
			PollInterval:      defaults.PollInterval.String(),
			MaxPolls:          defaults.MaxPolls,
			RollbackOnFailure: defaults.RollbackOnFailure,
			Wait:              defaults.Wait,
			Strict:            defaults.Strict,
			RevertAttempts:    3,
			RevertBackoff:     "1s",
		},
		Backend: BackendConfig{
			Kind: "kernel",
		},
		Store: StoreConfig{
			Enabled:      false,
			Path:         "/var/lib/netfroyo/history.db",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		Policy: PolicyConfig{
			Enabled:       true,
			Protected:     []string{},
			MaxOperations: 0,
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  tel.Logging.Level,
				Format: tel.Logging.Format,
				Output: tel.Logging.Output,
				Caller: tel.Logging.EnableCaller,
			},
			Metrics: MetricsConfig{
				Enabled:   tel.Metrics.Enabled,
				Namespace: tel.Metrics.Namespace,
			},
			Tracing: TracingConfig{
				Enabled:      tel.Tracing.Enabled,
				Exporter:     tel.Tracing.Exporter,
				SamplingRate: tel.Tracing.SamplingRate,
				Insecure:     tel.Tracing.Insecure,
			},
			Events: EventsConfig{
				Enabled:    tel.Events.Enabled,
				Async:      tel.Events.EnableAsync,
				BufferSize: tel.Events.BufferSize,
			},
		},
	}
}

// ReconcileOptions converts the engine section into engine options.
func (c *Config) ReconcileOptions() (engine.Options, error) {
	opts := engine.DefaultOptions()
	opts.Verify = c.Engine.Verify
	opts.MaxPolls = c.Engine.MaxPolls
	opts.RollbackOnFailure = c.Engine.RollbackOnFailure
	opts.Wait = c.Engine.Wait
	opts.Strict = c.Engine.Strict

	var err error
	if opts.Timeout, err = parseDuration(c.Engine.Timeout, opts.Timeout); err != nil {
		return opts, fmt.Errorf("engine.timeout: %w", err)
	}
	if opts.PollInterval, err = parseDuration(c.Engine.PollInterval, opts.PollInterval); err != nil {
		return opts, fmt.Errorf("engine.poll_interval: %w", err)
	}
	return opts, nil
}

// EngineOptions returns the engine construction options derived from the
// engine section.
func (c *Config) EngineOptions() ([]engine.Option, error) {
	backoff, err := parseDuration(c.Engine.RevertBackoff, time.Second)
	if err != nil {
		return nil, fmt.Errorf("engine.revert_backoff: %w", err)
	}
	return []engine.Option{
		engine.WithRevertAttempts(c.Engine.RevertAttempts),
		engine.WithRevertBackoff(backoff),
	}, nil
}

// RetentionPeriod returns the store retention, zero when runs are kept
// forever.
func (c *Config) RetentionPeriod() (time.Duration, error) {
	return parseDuration(c.Store.Retention, 0)
}

// GuardConfig returns the plan guard settings.
func (c *Config) GuardConfig() policy.GuardConfig {
	return policy.GuardConfig{
		Environment:   c.Policy.Environment,
		Protected:     append([]string{}, c.Policy.Protected...),
		MaxOperations: c.Policy.MaxOperations,
		Disabled:      append([]string{}, c.Policy.Disabled...),
	}
}

// TelemetryConfig returns the telemetry settings, starting from the
// telemetry defaults.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tel := telemetry.DefaultConfig()
	if c.Policy.Environment != "" {
		tel.Environment = c.Policy.Environment
	}

	tel.Logging.Level = c.Telemetry.Logging.Level
	tel.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		tel.Logging.Output = c.Telemetry.Logging.Output
	}
	tel.Logging.EnableCaller = c.Telemetry.Logging.Caller

	tel.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tel.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	if c.Telemetry.Metrics.Namespace != "" {
		tel.Metrics.Namespace = c.Telemetry.Metrics.Namespace
	}

	tel.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tel.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tel.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tel.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tel.Tracing.Insecure = c.Telemetry.Tracing.Insecure

	tel.Events.Enabled = c.Telemetry.Events.Enabled
	tel.Events.EnableAsync = c.Telemetry.Events.Async
	if c.Telemetry.Events.BufferSize > 0 {
		tel.Events.BufferSize = c.Telemetry.Events.BufferSize
	}
	return tel
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
