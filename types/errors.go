package types

import (
	"errors"
	"fmt"
)

// ConfigError reports a configuration problem that prevents the reporter from
// doing its job at all. It is never subject to silent mode.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s configuration error: %s", MessagePrefix, e.Reason)
	}
	return fmt.Sprintf("%s configuration error: %s: %s", MessagePrefix, e.Field, e.Reason)
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// IsConfigError checks if the error is or wraps a ConfigError
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return err != nil && errors.As(err, &cfgErr)
}
