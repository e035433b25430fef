// Package config provides configuration management for the nexus daemon
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/najoast/nexus/aeds"
	"github.com/najoast/nexus/security"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// OrganKind selects how a configured organ is hosted
type OrganKind string

const (
	// OrganProcess is a child process supervised over stdio
	OrganProcess OrganKind = "process"

	// OrganSink logs and absorbs whatever it receives
	OrganSink OrganKind = "sink"

	// OrganSecurity answers validation queries against the static policy
	OrganSecurity OrganKind = "security"
)

// IsValid checks if the organ kind is known
func (k OrganKind) IsValid() bool {
	switch k {
	case OrganProcess, OrganSink, OrganSecurity:
		return true
	default:
		return false
	}
}

// Config represents the complete nexus configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Packet router configuration
	Router RouterConfig `yaml:"router" json:"router"`

	// Admission scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Defaults for every process organ
	Synapse SynapseConfig `yaml:"synapse" json:"synapse"`

	// Privilege table and policy
	Security SecurityConfig `yaml:"security" json:"security"`

	// Error pattern table
	AEDS AEDSConfig `yaml:"aeds" json:"aeds"`

	// Organs registered at startup
	Organs []OrganConfig `yaml:"organs,omitempty" json:"organs,omitempty"`

	// Monitoring configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Environment Environment `yaml:"environment" json:"environment"`
	Debug       bool        `yaml:"debug" json:"debug"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, none)
	Output string `yaml:"output" json:"output"`

	// Additional file sink, always JSON
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Include the source position of each record
	AddSource bool `yaml:"add_source" json:"add_source"`

	// Fields to include in every record
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// RouterConfig contains packet router configuration
type RouterConfig struct {
	// URN of the router's own endpoint
	SystemURN string `yaml:"system_urn" json:"system_urn"`

	// Destination of levitated packets
	LevitationSink string `yaml:"levitation_sink" json:"levitation_sink"`

	// Substring of a destination address that hands the packet to the reasoner
	ReasoningMarker string `yaml:"reasoning_marker" json:"reasoning_marker"`

	// Destination of plans forwarded by the system endpoint
	ExecutionURN string `yaml:"execution_urn" json:"execution_urn"`

	HomeostasisInterval time.Duration `yaml:"homeostasis_interval" json:"homeostasis_interval"`
	EvolutionInterval   time.Duration `yaml:"evolution_interval" json:"evolution_interval"`

	OverloadThreshold    float64 `yaml:"overload_threshold" json:"overload_threshold"`
	DuplicationThreshold float64 `yaml:"duplication_threshold" json:"duplication_threshold"`
	LevitationThreshold  float64 `yaml:"levitation_threshold" json:"levitation_threshold"`

	// Drop packets whose ttl elapsed before dispatch
	EnforceTTL bool `yaml:"enforce_ttl" json:"enforce_ttl"`

	// Per-subscriber buffer of the signal bus
	BusBuffer int `yaml:"bus_buffer" json:"bus_buffer"`

	ReplayFilter ReplayFilterConfig `yaml:"replay_filter" json:"replay_filter"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
}

// ReplayFilterConfig contains duplicate packet id detection settings
type ReplayFilterConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	Capacity      uint    `yaml:"capacity" json:"capacity"`
	FalsePositive float64 `yaml:"false_positive" json:"false_positive"`
}

// RateLimitConfig contains per-sender ingress limits
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Rate    int64         `yaml:"rate" json:"rate"`
	Burst   int64         `yaml:"burst" json:"burst"`
	Window  time.Duration `yaml:"window" json:"window"`
}

// SchedulerConfig contains admission scheduler settings
type SchedulerConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
}

// SynapseConfig contains process supervision settings
type SynapseConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BufferCap         int           `yaml:"buffer_cap" json:"buffer_cap"`
	UndoDepth         int           `yaml:"undo_depth" json:"undo_depth"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	LivenessWindow    time.Duration `yaml:"liveness_window" json:"liveness_window"`
}

// SecurityConfig contains the privilege table and static policy
type SecurityConfig struct {
	// Organ URN to level name (guest, organ, trusted, system)
	ACL map[string]string `yaml:"acl" json:"acl"`

	DeniedActions []string `yaml:"denied_actions,omitempty" json:"denied_actions,omitempty"`
	Blocked       []string `yaml:"blocked,omitempty" json:"blocked,omitempty"`
}

// AEDSConfig contains the antibody table
type AEDSConfig struct {
	// Append the stock antibodies after the configured ones
	UseDefaults bool             `yaml:"use_defaults" json:"use_defaults"`
	Antibodies  []AntibodyConfig `yaml:"antibodies,omitempty" json:"antibodies,omitempty"`
}

// AntibodyConfig is the textual form of one antibody
type AntibodyConfig struct {
	Name       string  `yaml:"name" json:"name"`
	Pattern    string  `yaml:"pattern" json:"pattern"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Remedy     string  `yaml:"remedy" json:"remedy"`
}

// OrganConfig describes one organ registered at startup
type OrganConfig struct {
	Address string    `yaml:"address" json:"address"`
	Kind    OrganKind `yaml:"kind" json:"kind"`
	Command string    `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string  `yaml:"args,omitempty" json:"args,omitempty"`
	Env     []string  `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string    `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// MonitorConfig contains monitoring configuration
type MonitorConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Address      string `yaml:"address" json:"address"`
	MetricsPath  string `yaml:"metrics_path" json:"metrics_path"`
	HealthPath   string `yaml:"health_path" json:"health_path"`
	RegistryPath string `yaml:"registry_path" json:"registry_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "nexus",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Description: "organ supervisor and packet router",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Router: RouterConfig{
			SystemURN:            "urn:nexus:core:system",
			LevitationSink:       "urn:nexus:organ:levitation",
			ReasoningMarker:      "reasoning",
			ExecutionURN:         "urn:nexus:organ:execution",
			HomeostasisInterval:  3 * time.Second,
			EvolutionInterval:    60 * time.Second,
			OverloadThreshold:    0.9,
			DuplicationThreshold: 0.8,
			LevitationThreshold:  0.5,
			BusBuffer:            100,
			ReplayFilter: ReplayFilterConfig{
				Enabled:       true,
				Capacity:      100000,
				FalsePositive: 0.001,
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				Rate:    200,
				Burst:   400,
				Window:  time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Concurrency: 100,
			Interval:    10 * time.Millisecond,
			QueueSize:   10000,
		},
		Synapse: SynapseConfig{
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BufferCap:         1 << 20,
			UndoDepth:         16,
			HeartbeatInterval: time.Second,
			LivenessWindow:    10 * time.Second,
		},
		Security: SecurityConfig{
			ACL: map[string]string{
				"urn:nexus:core:system": "system",
			},
		},
		AEDS: AEDSConfig{
			UseDefaults: true,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Address:      "127.0.0.1:9090",
			MetricsPath:  "/metrics",
			HealthPath:   "/health",
			RegistryPath: "/registry",
		},
	}
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c
	if c.Log.Fields != nil {
		out.Log.Fields = make(map[string]string, len(c.Log.Fields))
		for k, v := range c.Log.Fields {
			out.Log.Fields[k] = v
		}
	}
	if c.Security.ACL != nil {
		out.Security.ACL = make(map[string]string, len(c.Security.ACL))
		for k, v := range c.Security.ACL {
			out.Security.ACL[k] = v
		}
	}
	out.Security.DeniedActions = append([]string(nil), c.Security.DeniedActions...)
	out.Security.Blocked = append([]string(nil), c.Security.Blocked...)
	out.AEDS.Antibodies = append([]AntibodyConfig(nil), c.AEDS.Antibodies...)
	if c.Organs != nil {
		out.Organs = make([]OrganConfig, len(c.Organs))
		for i, o := range c.Organs {
			o.Args = append([]string(nil), o.Args...)
			o.Env = append([]string(nil), o.Env...)
			out.Organs[i] = o
		}
	}
	return &out
}

var urnPattern = regexp.MustCompile(`^urn:[A-Za-z0-9._-]+(:[A-Za-z0-9._-]+)+$`)

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	switch c.Log.Output {
	case "stdout", "stderr", "none":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogOutput, c.Log.Output)
	}

	// Validate router config
	r := c.Router
	for _, urn := range []string{r.SystemURN, r.LevitationSink, r.ExecutionURN} {
		if !urnPattern.MatchString(urn) {
			return fmt.Errorf("%w: %q", ErrInvalidURN, urn)
		}
	}
	if r.HomeostasisInterval <= 0 || r.EvolutionInterval <= 0 {
		return ErrInvalidInterval
	}
	for _, th := range []float64{r.OverloadThreshold, r.DuplicationThreshold, r.LevitationThreshold} {
		if th < 0 || th > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidThreshold, th)
		}
	}
	if r.ReplayFilter.Enabled && (r.ReplayFilter.Capacity == 0 || r.ReplayFilter.FalsePositive <= 0 || r.ReplayFilter.FalsePositive >= 1) {
		return ErrInvalidReplayFilter
	}
	if r.RateLimit.Enabled && (r.RateLimit.Rate <= 0 || r.RateLimit.Burst <= 0 || r.RateLimit.Window <= 0) {
		return ErrInvalidRateLimit
	}

	// Validate scheduler config
	if c.Scheduler.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.Scheduler.QueueSize <= 0 {
		return ErrInvalidQueueSize
	}

	// Validate synapse config
	if c.Synapse.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if c.Synapse.BaseDelay < 0 || c.Synapse.MaxDelay < c.Synapse.BaseDelay {
		return ErrInvalidInterval
	}
	if c.Synapse.BufferCap <= 0 {
		return ErrInvalidBufferCap
	}

	// Validate security config
	for urn, level := range c.Security.ACL {
		if _, err := security.ParseLevel(level); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidACL, urn, err)
		}
	}

	// Validate antibodies
	for _, ab := range c.AEDS.Antibodies {
		if _, err := aeds.Compile(ab.Name, ab.Pattern, ab.Confidence, aeds.Remedy(ab.Remedy)); err != nil {
			return err
		}
	}

	// Validate organs
	seen := make(map[string]struct{}, len(c.Organs))
	for _, o := range c.Organs {
		if !urnPattern.MatchString(o.Address) {
			return fmt.Errorf("%w: address %q", ErrInvalidOrgan, o.Address)
		}
		if o.Address == r.SystemURN {
			return fmt.Errorf("%w: %s is reserved", ErrInvalidOrgan, o.Address)
		}
		if _, dup := seen[o.Address]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateOrgan, o.Address)
		}
		seen[o.Address] = struct{}{}
		if !o.Kind.IsValid() {
			return fmt.Errorf("%w: %s: kind %q", ErrInvalidOrgan, o.Address, o.Kind)
		}
		if o.Kind == OrganProcess && strings.TrimSpace(o.Command) == "" {
			return fmt.Errorf("%w: %s: command required", ErrInvalidOrgan, o.Address)
		}
	}

	// Validate monitor config
	if c.Monitor.Enabled {
		if _, _, err := net.SplitHostPort(c.Monitor.Address); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMonitorAddress, err)
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Log.Level == LogLevelDebug || c.Log.Level == LogLevelTrace
}
