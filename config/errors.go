// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidLogOutput      = errors.New("invalid log output")
	ErrInvalidURN            = errors.New("invalid urn")
	ErrInvalidInterval       = errors.New("invalid interval")
	ErrInvalidThreshold      = errors.New("threshold outside [0,1]")
	ErrInvalidReplayFilter   = errors.New("invalid replay filter")
	ErrInvalidRateLimit      = errors.New("invalid rate limit")
	ErrInvalidConcurrency    = errors.New("invalid scheduler concurrency")
	ErrInvalidQueueSize      = errors.New("invalid scheduler queue size")
	ErrInvalidMaxAttempts    = errors.New("invalid resurrection attempts")
	ErrInvalidBufferCap      = errors.New("invalid buffer capacity")
	ErrInvalidACL            = errors.New("invalid acl entry")
	ErrInvalidOrgan          = errors.New("invalid organ")
	ErrDuplicateOrgan        = errors.New("duplicate organ address")
	ErrInvalidMonitorAddress = errors.New("invalid monitor address")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
