package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "runtime.init_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// productIDRegex matches identifiers that are safe as a directory name on
// every platform: ASCII letter first, then letters, digits, '-' or '_'.
var productIDRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateHost()...)
	errors = append(errors, c.validateRuntime()...)
	errors = append(errors, c.validateBridge()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateHost() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Host.DocumentPath) == "" {
		errors = append(errors, ValidationError{
			Field:   "host.document_path",
			Value:   c.Host.DocumentPath,
			Message: "must not be empty",
		})
	}
	if strings.ContainsRune(c.Host.DocumentPath, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "host.document_path",
			Value:   c.Host.DocumentPath,
			Message: "contains null byte",
		})
	}
	if strings.TrimSpace(c.Host.MountSelector) == "" {
		errors = append(errors, ValidationError{
			Field:   "host.mount_selector",
			Value:   c.Host.MountSelector,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateRuntime() []ValidationError {
	var errors []ValidationError

	if c.Runtime.InitTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.init_timeout_ms",
			Value:   c.Runtime.InitTimeoutMs,
			Message: "must be positive",
		})
	}

	const maxInitTimeoutMs = 10 * 60 * 1000 // 10 minutes
	if c.Runtime.InitTimeoutMs > maxInitTimeoutMs {
		errors = append(errors, ValidationError{
			Field:   "runtime.init_timeout_ms",
			Value:   c.Runtime.InitTimeoutMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxInitTimeoutMs),
		})
	}

	if !productIDRegex.MatchString(c.Runtime.ProductID) {
		errors = append(errors, ValidationError{
			Field:   "runtime.product_id",
			Value:   c.Runtime.ProductID,
			Message: "must be ASCII letters, digits, '-' or '_' and start with a letter",
		})
	}

	if strings.ContainsRune(c.Runtime.CacheDir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "runtime.cache_dir",
			Value:   c.Runtime.CacheDir,
			Message: "contains null byte",
		})
	}

	return errors
}

func (c *Config) validateBridge() []ValidationError {
	var errors []ValidationError

	if c.Bridge.GuestTopics == "" {
		errors = append(errors, ValidationError{
			Field:   "bridge.guest_topics",
			Value:   c.Bridge.GuestTopics,
			Message: "must not be empty",
		})
	} else if _, err := glob.Compile(c.Bridge.GuestTopics, '.'); err != nil {
		errors = append(errors, ValidationError{
			Field:   "bridge.guest_topics",
			Value:   c.Bridge.GuestTopics,
			Message: fmt.Sprintf("invalid topic pattern: %v", err),
		})
	}

	if c.Bridge.GuestRateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "bridge.guest_rate_limit",
			Value:   c.Bridge.GuestRateLimit,
			Message: "must be non-negative",
		})
	}
	if c.Bridge.GuestRateLimit > 0 && c.Bridge.GuestBurst <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bridge.guest_burst",
			Value:   c.Bridge.GuestBurst,
			Message: "must be positive when a rate limit is set",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
