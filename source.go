package querycelery

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// ConfigSource supplies an option mapping that Configure applies wholesale.
type ConfigSource interface {
	ConfigOptions() (map[string]interface{}, error)
}

// Options is a literal option mapping.
type Options map[string]interface{}

// ConfigOptions returns a copy of the mapping.
func (o Options) ConfigOptions() (map[string]interface{}, error) {
	return copySettings(o), nil
}

// FileSource reads options from a YAML, JSON or TOML file. The format
// follows the file extension.
type FileSource string

// ConfigOptions reads the file. A missing or malformed file is a
// ConfigurationError.
func (f FileSource) ConfigOptions() (map[string]interface{}, error) {
	path := string(f)
	if _, err := os.Stat(path); err != nil {
		return nil, &ConfigurationError{Source: path, Err: err}
	}
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Source: path, Err: err}
	}
	return v.AllSettings(), nil
}

// envOptions are the options read from the environment. BROKER_URL and
// RESULT_BACKEND are the variables the query deployment sets.
type envOptions struct {
	BrokerURL         string   `env:"BROKER_URL"`
	ResultBackend     string   `env:"RESULT_BACKEND"`
	LogLevel          string   `env:"LOG_LEVEL"`
	WorkerConcurrency int      `env:"WORKER_CONCURRENCY"`
	WorkerQueues      []string `env:"WORKER_QUEUES" envSeparator:","`
	MetricsAddress    string   `env:"WORKER_METRICS_ADDRESS"`
}

// EnvSource reads options from environment variables. Unset variables
// contribute nothing.
type EnvSource struct {
	// Prefix is prepended to every variable name.
	Prefix string
	// Environment replaces the process environment when non-nil.
	Environment map[string]string
}

// ConfigOptions parses the environment.
func (e EnvSource) ConfigOptions() (map[string]interface{}, error) {
	var o envOptions
	if err := env.ParseWithOptions(&o, env.Options{Prefix: e.Prefix, Environment: e.Environment}); err != nil {
		return nil, &ConfigurationError{Source: "environment", Err: err}
	}
	out := make(map[string]interface{})
	if o.BrokerURL != "" {
		out["broker_url"] = o.BrokerURL
	}
	if o.ResultBackend != "" {
		out["result_backend"] = o.ResultBackend
	}
	if o.LogLevel != "" {
		out["log_level"] = o.LogLevel
	}
	if o.WorkerConcurrency != 0 {
		out["worker_concurrency"] = o.WorkerConcurrency
	}
	if len(o.WorkerQueues) > 0 {
		out["worker_queues"] = o.WorkerQueues
	}
	if o.MetricsAddress != "" {
		out["worker_metrics_address"] = o.MetricsAddress
	}
	return out, nil
}

// Sources chains sources; later sources override earlier ones.
func Sources(sources ...ConfigSource) ConfigSource {
	return chain(sources)
}

type chain []ConfigSource

func (c chain) ConfigOptions() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for i, src := range c {
		if src == nil {
			continue
		}
		opts, err := src.ConfigOptions()
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, err
			}
			return nil, &ConfigurationError{Source: fmt.Sprintf("source %d", i), Err: err}
		}
		mergeSettings(out, opts)
	}
	return out, nil
}

// mergeSettings merges src into dst with lower-cased keys. Nested maps
// merge key by key; other values replace.
func mergeSettings(dst, src map[string]interface{}) {
	for k, v := range src {
		k = strings.ToLower(k)
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				mergeSettings(dm, sm)
				continue
			}
			v = copySettings(sm)
		}
		dst[k] = v
	}
}
