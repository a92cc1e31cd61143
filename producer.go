package querycelery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clp-project/querycelery/backend"
	"github.com/clp-project/querycelery/broker"
	"github.com/clp-project/querycelery/serializer"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// ErrNoResultBackend is returned when reading results of an App without a
// result_backend.
var ErrNoResultBackend = errors.New("no result backend configured")

// ErrScheduledTaskID is returned by Schedule for a fixed task id; every
// scheduled send needs its own.
var ErrScheduledTaskID = errors.New("scheduled tasks cannot use a fixed task id")

// resultPollInterval is how often AsyncResult.Get checks the backend.
var resultPollInterval = 100 * time.Millisecond

type sendOptions struct {
	queue     string
	eta       time.Time
	countdown time.Duration
	expires   time.Time
	priority  uint8
	taskID    string
}

// SendOption customizes a single SendTask call.
type SendOption func(*sendOptions)

// WithQueue overrides the routed queue.
func WithQueue(queue string) SendOption {
	return func(o *sendOptions) { o.queue = queue }
}

// WithETA delays execution until eta.
func WithETA(eta time.Time) SendOption {
	return func(o *sendOptions) { o.eta = eta }
}

// WithCountdown delays execution by d from now.
func WithCountdown(d time.Duration) SendOption {
	return func(o *sendOptions) { o.countdown = d }
}

// WithExpires revokes the task if it has not started by t.
func WithExpires(t time.Time) SendOption {
	return func(o *sendOptions) { o.expires = t }
}

// WithPriority sets the message priority, 0-255.
func WithPriority(p uint8) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithTaskID uses id instead of a generated task id.
func WithTaskID(id string) SendOption {
	return func(o *sendOptions) { o.taskID = id }
}

// SendTask publishes a task by name to the queue task_routes selects.
func (a *App) SendTask(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}, opts ...SendOption) (*AsyncResult, error) {
	if name == "" {
		return nil, errors.New("task name must not be empty")
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.taskID == "" {
		o.taskID = uuid.NewString()
	}
	if o.countdown > 0 && o.eta.IsZero() {
		o.eta = time.Now().Add(o.countdown)
	}

	cfg, b, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	if o.queue == "" {
		o.queue = cfg.Route(name)
	}
	s, err := serializer.Lookup(cfg.TaskSerializer)
	if err != nil {
		return nil, err
	}
	msg, err := encodeTask(&Task{
		Name:    name,
		ID:      o.taskID,
		Args:    args,
		Kwargs:  kwargs,
		ETA:     o.eta,
		Expires: o.expires,
	}, s, o.priority)
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, o.queue, msg); err != nil {
		return nil, fmt.Errorf("publish %s to %s: %w", name, o.queue, err)
	}
	a.logger.WithFields(log.Fields{"task": name, "id": o.taskID, "queue": o.queue}).Debug("Sent task")
	return &AsyncResult{ID: o.taskID, app: a}, nil
}

// connection returns the producer broker, dialing it on first use.
func (a *App) connection(ctx context.Context) (Config, broker.Broker, error) {
	a.mu.RLock()
	state, cfg := a.state, a.config
	a.mu.RUnlock()
	if state == Uninitialized || state == Terminated {
		return cfg, nil, fmt.Errorf("%w: cannot send from a %s app", ErrInvalidState, state)
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.producer == nil {
		b, err := broker.Open(ctx, cfg.BrokerURL, a.brokerOptions(cfg, a.logger.WithField("app", a.name)))
		if err != nil {
			return cfg, nil, &BrokerConnectionError{URL: cfg.BrokerURL, Err: err}
		}
		a.producer = b
	}
	return cfg, a.producer, nil
}

func (a *App) resultBackend(ctx context.Context) (Config, backend.Backend, error) {
	cfg := a.Config()
	if cfg.ResultBackend == "" {
		return cfg, nil, ErrNoResultBackend
	}
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.results == nil {
		r, err := backend.Open(ctx, cfg.ResultBackend)
		if err != nil {
			return cfg, nil, fmt.Errorf("open result backend: %w", err)
		}
		a.results = r
	}
	return cfg, a.results, nil
}

// AsyncResult is a handle on the result of a sent task.
type AsyncResult struct {
	ID  string
	app *App
}

// AsyncResult returns a handle for a task sent elsewhere.
func (a *App) AsyncResult(id string) *AsyncResult {
	return &AsyncResult{ID: id, app: a}
}

// Result reads the currently stored result. A task without a stored result
// is PENDING.
func (r *AsyncResult) Result(ctx context.Context) (*TaskResult, error) {
	cfg, results, err := r.app.resultBackend(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := results.Get(ctx, r.ID)
	if errors.Is(err, backend.ErrResultNotFound) {
		return &TaskResult{ID: r.ID, Status: Pending}, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := resultSerializer(cfg, payload)
	if err != nil {
		return nil, err
	}
	return decodeResult(r.ID, payload, s)
}

// State returns the current task status.
func (r *AsyncResult) State(ctx context.Context) (ResultStatus, error) {
	res, err := r.Result(ctx)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// Get waits until the task is ready and returns its result. A failed task
// is returned together with its TaskError.
func (r *AsyncResult) Get(ctx context.Context) (*TaskResult, error) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		res, err := r.Result(ctx)
		if err != nil {
			return nil, err
		}
		if res.Status.Ready() {
			return res, res.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resultSerializer picks the accepted serializer a stored result decodes
// with. Backends store no content type, so the configured serializer is
// tried first.
func resultSerializer(cfg Config, payload []byte) (serializer.Serializer, error) {
	names := append([]string{cfg.ResultSerializer}, cfg.ResultAccepted()...)
	accepted := acceptedTypes(cfg.ResultAccepted())
	var lastErr error
	for _, name := range names {
		s, err := serializer.Lookup(name)
		if err != nil || !accepted[s.ContentType()] {
			continue
		}
		var decoded interface{}
		if lastErr = s.Deserialize(payload, &decoded); lastErr == nil {
			return s, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrContentDisallowed, cfg.ResultSerializer)
	}
	return nil, lastErr
}

// Schedule sends the task every time the cron spec fires. The spec has a
// leading seconds field, e.g. "*/30 * * * * *".
func (a *App) Schedule(spec, name string, args []interface{}, kwargs map[string]interface{}, opts ...SendOption) (cron.EntryID, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.taskID != "" {
		return 0, ErrScheduledTaskID
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.cron == nil {
		a.cron = cron.New(cron.WithSeconds(), cron.WithLogger(cronLogger{a.logger.WithField("app", a.name)}))
		a.cron.Start()
	}
	logger := a.logger.WithFields(log.Fields{"app": a.name, "task": name})
	return a.cron.AddFunc(spec, func() {
		res, err := a.SendTask(context.Background(), name, args, kwargs, opts...)
		if err != nil {
			logger.Error("Failed to send scheduled task: ", err)
			return
		}
		logger.Debug("Scheduled task sent: ", res.ID)
	})
}
