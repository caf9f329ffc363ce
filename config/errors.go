package config

import (
	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/ftag"
)

// KindConfig tags startup errors that stop the process.
const KindConfig ftag.Kind = "CONFIG_ERROR"

// ConfigError means no reader or sink can be set up from the configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Reason
}

func configError(field, reason string) error {
	return fault.Wrap(&ConfigError{Field: field, Reason: reason}, ftag.With(KindConfig))
}

// IsConfigError reports whether err should abort startup.
func IsConfigError(err error) bool {
	return err != nil && ftag.Get(err) == KindConfig
}
