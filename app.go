package querycelery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/clp-project/querycelery/backend"
	"github.com/clp-project/querycelery/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	// import transports, result backends and serializers
	_ "github.com/clp-project/querycelery/backend/memory"
	_ "github.com/clp-project/querycelery/backend/redis"
	_ "github.com/clp-project/querycelery/backend/sqlite"
	_ "github.com/clp-project/querycelery/broker/amqp"
	_ "github.com/clp-project/querycelery/broker/memory"
	_ "github.com/clp-project/querycelery/broker/nats"
	_ "github.com/clp-project/querycelery/broker/redis"
	_ "github.com/clp-project/querycelery/serializer/json"
	_ "github.com/clp-project/querycelery/serializer/pickle"
	_ "github.com/clp-project/querycelery/serializer/yaml"
)

// State is the lifecycle state of an App.
type State int

// App lifecycle states
const (
	Uninitialized State = iota
	Configured
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// App is a named task queue application. It owns its configuration, its
// task registry and its connections; nothing is shared between Apps.
type App struct {
	name     string
	logger   *log.Logger
	handlers *registry
	metrics  *metrics

	mu        sync.RWMutex
	state     State
	supplied  map[string]interface{}
	effective map[string]interface{}
	config    Config

	connMu   sync.Mutex
	producer broker.Broker
	results  backend.Backend
	cron     *cron.Cron
}

// Option customizes an App.
type Option func(*App)

// WithLogger sets the logger the App and its worker write to.
func WithLogger(logger *log.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithLogOutput sets where the App's own logger writes.
func WithLogOutput(w io.Writer) Option {
	return func(a *App) { a.logger = newLogger(w) }
}

// New creates an App in the Uninitialized state. Its settings are the
// defaults until Configure is called.
func New(name string, opts ...Option) (*App, error) {
	if name == "" {
		return nil, configErr("name", "application name must not be empty")
	}
	effective, cfg, err := resolve(nil)
	if err != nil {
		return nil, err
	}
	a := &App{
		name:      name,
		handlers:  newRegistry(),
		metrics:   newMetrics(name),
		supplied:  map[string]interface{}{},
		effective: effective,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = newLogger(nil)
	}
	setupLogLevel(a.logger, cfg.LogLevel)
	return a, nil
}

// Initialize creates an App and configures it from src.
func Initialize(name string, src ConfigSource, opts ...Option) (*App, error) {
	a, err := New(name, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Configure(src); err != nil {
		return nil, err
	}
	return a, nil
}

// Name of the App.
func (a *App) Name() string { return a.name }

// Logger returns the App's logger.
func (a *App) Logger() *log.Logger { return a.logger }

// Configure applies the options of src over the current settings. The new
// configuration is validated as a whole and committed only when valid;
// applying the same source again leaves the settings unchanged.
func (a *App) Configure(src ConfigSource) error {
	if src == nil {
		return configErr("", "no configuration source")
	}
	opts, err := src.ConfigOptions()
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return err
		}
		return &ConfigurationError{Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Running || a.state == Terminated {
		return fmt.Errorf("%w: cannot configure a %s app", ErrInvalidState, a.state)
	}
	supplied := copySettings(a.supplied)
	mergeSettings(supplied, opts)
	effective, cfg, err := resolve(supplied)
	if err != nil {
		return err
	}
	a.supplied = supplied
	a.effective = effective
	a.config = cfg
	a.state = Configured
	setupLogLevel(a.logger, cfg.LogLevel)
	a.logger.WithField("app", a.name).Debug("Configured with broker ", broker.Redact(cfg.BrokerURL))
	return nil
}

// Settings returns a copy of the effective option mapping.
func (a *App) Settings() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copySettings(a.effective)
}

// Config returns the typed effective configuration.
func (a *App) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// State returns the lifecycle state.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Register registers the handler with given task name
func (a *App) Register(name string, h Handler) {
	a.handlers.register(name, h)
}

// RegisterFunc registers f with given task name
func (a *App) RegisterFunc(name string, f func(ctx context.Context, task *Task) (interface{}, error)) {
	a.handlers.register(name, HandlerFunc(f))
}

// Tasks lists the registered task names.
func (a *App) Tasks() []string {
	return a.handlers.names()
}

// Metrics returns the registry holding the App's worker metrics.
func (a *App) Metrics() *prometheus.Registry {
	return a.metrics.registry
}

// Run connects to the broker and runs a worker until ctx is cancelled or
// the broker connection fails. It may be called once, on a configured App.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Configured {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: cannot run a %s app", ErrInvalidState, state)
	}
	a.state = Running
	cfg := a.config
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.state = Terminated
		a.mu.Unlock()
	}()

	logger := a.logger.WithField("app", a.name)

	shutdownTracing, err := setupTracing(ctx, a.name)
	if err != nil {
		logger.Warn("Tracing disabled: ", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces: ", err)
		}
	}()

	b, err := broker.Open(ctx, cfg.BrokerURL, a.brokerOptions(cfg, logger))
	if err != nil {
		return &BrokerConnectionError{URL: cfg.BrokerURL, Err: err}
	}
	defer b.Close()
	logger.Info("Connected to broker: ", broker.Redact(cfg.BrokerURL))

	var results backend.Backend
	if cfg.ResultBackend != "" {
		if results, err = backend.Open(ctx, cfg.ResultBackend); err != nil {
			return fmt.Errorf("open result backend: %w", err)
		}
		defer results.Close()
	}

	if cfg.WorkerMetricsAddress != "" {
		serveMetrics(ctx, cfg.WorkerMetricsAddress, a.metrics.registry, logger)
	}

	w, err := newWorker(a, cfg, b, results)
	if err != nil {
		return err
	}
	return w.run(ctx)
}

func (a *App) brokerOptions(cfg Config, logger *log.Entry) broker.Options {
	return broker.Options{
		MaxPriority:         cfg.TaskQueueMaxPriority,
		CreateMissingQueues: cfg.TaskCreateMissingQueues,
		Logger:              logger,
	}
}

// Close stops scheduled sends and releases the producer connections.
func (a *App) Close() error {
	a.connMu.Lock()
	c := a.cron
	a.cron = nil
	a.connMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
		a.producer = nil
	}
	if a.results != nil {
		errs = append(errs, a.results.Close())
		a.results = nil
	}
	return errors.Join(errs...)
}
