package querycelery

import (
	"errors"
	"fmt"

	"github.com/clp-project/querycelery/broker"
)

// ErrInvalidState is returned when an operation is called in the wrong
// lifecycle state, such as running an app twice.
var ErrInvalidState = errors.New("invalid application state")

// ConfigurationError reports a configuration source that is missing,
// malformed or that fails validation. It is fatal.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BrokerConnectionError reports that the broker could not be reached or the
// connection was lost. It is fatal; nothing at this layer retries.
type BrokerConnectionError struct {
	URL string
	Err error
}

func (e *BrokerConnectionError) Error() string {
	return fmt.Sprintf("broker connection error [%s]: %v", broker.Redact(e.URL), e.Err)
}

func (e *BrokerConnectionError) Unwrap() error { return e.Err }

func configErr(source string, format string, args ...interface{}) error {
	return &ConfigurationError{Source: source, Err: fmt.Errorf(format, args...)}
}
