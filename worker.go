package querycelery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clp-project/querycelery/backend"
	"github.com/clp-project/querycelery/broker"
	"github.com/clp-project/querycelery/internal/ratelimit"
	"github.com/clp-project/querycelery/serializer"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errBrokerClosed is reported when the broker stops delivering while the
// worker is still meant to run.
var errBrokerClosed = errors.New("broker closed the delivery channel")

// worker consumes tasks for an App
type worker struct {
	app     *App
	cfg     Config
	log     *log.Entry
	broker  broker.Broker
	results backend.Backend
	tracer  trace.Tracer

	accepted         map[string]bool
	resultSerializer serializer.Serializer
	eventSerializer  serializer.Serializer
	limiter          *ratelimit.Limiter
	slots            chan struct{}

	wg        sync.WaitGroup
	active    int64
	processed uint64
}

func newWorker(app *App, cfg Config, b broker.Broker, results backend.Backend) (*worker, error) {
	rs, err := serializer.Lookup(cfg.ResultSerializer)
	if err != nil {
		return nil, configErr("result_serializer", "%v", err)
	}
	es, err := serializer.Lookup("json")
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.TaskDefaultRateLimit, cfg.TaskRateLimits)
	if err != nil {
		return nil, configErr("task_rate_limits", "%v", err)
	}
	return &worker{
		app:              app,
		cfg:              cfg,
		log:              app.logger.WithField("app", app.name),
		broker:           b,
		results:          results,
		tracer:           otel.Tracer(tracerName),
		accepted:         acceptedTypes(cfg.AcceptContent),
		resultSerializer: rs,
		eventSerializer:  es,
		limiter:          limiter,
		slots:            make(chan struct{}, cfg.WorkerConcurrency),
	}, nil
}

// run consumes until ctx is done, then waits for in-flight tasks to finish.
func (w *worker) run(ctx context.Context) error {
	queues := w.cfg.Queues()
	deliveries, err := w.broker.Consume(ctx, queues, w.cfg.Prefetch())
	if err != nil {
		return &BrokerConnectionError{URL: w.cfg.BrokerURL, Err: err}
	}
	w.log.WithFields(log.Fields{
		"queues":      strings.Join(queues, ","),
		"concurrency": w.cfg.WorkerConcurrency,
		"tasks":       strings.Join(w.app.Tasks(), ","),
	}).Info("Worker is now running")

	w.sendWorkerEvent(ctx, WorkerOnline)
	stopHeartbeat := w.startHeartbeat(context.WithoutCancel(ctx))

	// tasks still waiting for their ETA, a rate limit token or a slot
	// give up when consumption stops, whatever the reason
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					runErr = &BrokerConnectionError{URL: w.cfg.BrokerURL, Err: errBrokerClosed}
				}
				break loop
			}
			w.dispatch(waitCtx, d)
		}
	}

	w.log.Info("Warm shutdown, waiting for running tasks")
	stopWaiting()
	w.wg.Wait()
	stopHeartbeat()

	offlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	w.sendWorkerEvent(offlineCtx, WorkerOffline)
	w.log.Info("Worker stopped")
	return runErr
}

// dispatch decodes d and executes it in its own goroutine once its ETA,
// the rate limit and a free concurrency slot allow.
func (w *worker) dispatch(ctx context.Context, d *broker.Delivery) {
	task, err := decodeTask(&d.Message, w.accepted)
	if err != nil {
		w.log.WithField("queue", d.Queue).Error("Rejecting message: ", err)
		_ = d.Reject(false)
		return
	}
	task.Queue = d.Queue
	logger := w.log.WithFields(log.Fields{"task": task.Name, "id": task.ID})
	logger.Debug("Received task")
	w.app.metrics.received.WithLabelValues(task.Name).Inc()
	w.sendTaskEvent(ctx, newTaskReceivedEvent(task))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if !w.wait(ctx, task) {
			logger.Debug("Requeueing task on shutdown")
			_ = d.Reject(true)
			return
		}
		defer func() { <-w.slots }()

		if !w.cfg.TaskAcksLate {
			w.ack(logger, d)
		}
		w.runTask(context.WithoutCancel(ctx), task)
		if w.cfg.TaskAcksLate {
			w.ack(logger, d)
		}
	}()
}

// wait blocks until task may start and holds a concurrency slot on success.
// It returns false when ctx is done first.
func (w *worker) wait(ctx context.Context, task *Task) bool {
	if !task.ETA.IsZero() {
		if delay := time.Until(task.ETA); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return false
			}
		}
	}
	if err := w.limiter.Wait(ctx, strings.ToLower(task.Name)); err != nil {
		return false
	}
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *worker) ack(logger *log.Entry, d *broker.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("Failed to acknowledge message: ", err)
	}
}

// runTask executes task and stores its result.
func (w *worker) runTask(ctx context.Context, task *Task) *TaskResult {
	ctx, span := w.tracer.Start(ctx, task.Name, trace.WithAttributes(
		attribute.String("celery.task_id", task.ID),
		attribute.String("celery.queue", task.Queue),
	))
	defer span.End()

	logger := w.log.WithFields(log.Fields{"task": task.Name, "id": task.ID})
	result := &TaskResult{ID: task.ID, Status: Started}

	handler, ok := w.app.handlers.lookup(task.Name)
	switch {
	case !ok:
		err := errors.Errorf("Task of kind '%s' is not registered", task.Name)
		logger.Error(err)
		w.fail(ctx, task, result, "NotRegistered", err)
	case !task.Expires.IsZero() && task.Expires.Before(time.Now()):
		logger.Warn("Task has expired at ", task.Expires)
		result.Status = Revoked
		result.Result = exceptionResult("TaskRevokedError", fmt.Errorf("expired"))
		w.sendTaskEvent(ctx, newTaskRevokedEvent(task))
	default:
		if w.cfg.TaskTrackStarted {
			w.store(ctx, logger, result)
		}
		w.sendTaskEvent(ctx, newTaskEvent(TaskStarted, task))

		atomic.AddInt64(&w.active, 1)
		w.app.metrics.active.Inc()
		start := time.Now()
		value, err := w.execute(ctx, handler, task)
		elapsed := time.Since(start)
		atomic.AddInt64(&w.active, -1)
		w.app.metrics.active.Dec()
		w.app.metrics.runtime.WithLabelValues(task.Name).Observe(elapsed.Seconds())

		if err != nil {
			logger.Errorf("Failed to execute task in %f seconds: %s", elapsed.Seconds(), err)
			w.fail(ctx, task, result, exceptionType(err), err)
		} else {
			logger.Infof("Executed task [%v] in %f seconds", value, elapsed.Seconds())
			result.Status = Success
			result.Result = value
			w.sendTaskEvent(ctx, newTaskSucceededEvent(task, result, elapsed))
		}
	}

	atomic.AddUint64(&w.processed, 1)
	w.app.metrics.finished.WithLabelValues(task.Name, string(result.Status)).Inc()
	if result.Status != Success {
		span.SetStatus(codes.Error, string(result.Status))
	}
	result.DateDone = time.Now().UTC()
	w.store(ctx, logger, result)
	return result
}

// execute calls the handler under the task time limit and turns panics
// into errors.
func (w *worker) execute(ctx context.Context, h Handler, task *Task) (value interface{}, err error) {
	if w.cfg.TaskTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeLimit)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{err: errors.Wrap(r, 2)}
		}
	}()
	value, err = h.Execute(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return value, err
}

func (w *worker) fail(ctx context.Context, task *Task, result *TaskResult, excType string, err error) {
	var stacked *errors.Error
	if !errors.As(err, &stacked) {
		stacked = errors.Wrap(err, 2)
	}
	result.Status = Failure
	result.Result = exceptionResult(excType, err)
	result.TraceBack = stacked.ErrorStack()
	trace.SpanFromContext(ctx).RecordError(err)
	w.sendTaskEvent(ctx, newTaskFailedEvent(task, result, err))
}

func exceptionType(err error) string {
	var typer ExceptionTyper
	switch {
	case errors.As(err, &typer):
		return typer.ExceptionType()
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeLimitExceeded"
	}
	return "TaskError"
}

// panicError is a handler panic recovered with its stack.
type panicError struct {
	err *errors.Error
}

func (p *panicError) Error() string         { return "panic: " + p.err.Error() }
func (p *panicError) Unwrap() error         { return p.err }
func (p *panicError) ExceptionType() string { return "Panic" }

func (w *worker) store(ctx context.Context, logger *log.Entry, result *TaskResult) {
	if w.results == nil {
		return
	}
	payload, err := w.resultSerializer.Serialize(resultMeta(result))
	if err != nil {
		logger.Error("Failed to serialize result: ", err)
		return
	}
	expires := w.cfg.ResultExpires
	if w.cfg.ResultPersistent {
		expires = 0
	}
	if err := w.results.Store(ctx, result.ID, payload, expires); err != nil {
		logger.Error("Failed to store result: ", err)
	}
}

func (w *worker) startHeartbeat(ctx context.Context) (stop func()) {
	ticker := time.NewTicker(w.cfg.WorkerHeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				w.sendWorkerEvent(ctx, WorkerHeartbeat)
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		<-stopped
	}
}

// Send Worker Events
func (w *worker) sendWorkerEvent(ctx context.Context, eventType EventType) {
	w.publishEvent(ctx, eventType, newWorkerEvent(eventType, w.cfg.WorkerHeartbeatInterval,
		int(atomic.LoadInt64(&w.active)), atomic.LoadUint64(&w.processed)))
}

func (w *worker) sendTaskEvent(ctx context.Context, event map[string]interface{}) {
	eventType, _ := event["type"].(string)
	w.publishEvent(ctx, EventType(eventType), event)
}

func (w *worker) publishEvent(ctx context.Context, eventType EventType, event map[string]interface{}) {
	if !w.cfg.WorkerSendTaskEvents {
		return
	}
	payload, err := w.eventSerializer.Serialize(event)
	if err != nil {
		w.log.Error("Failed to serialize event: ", err)
		return
	}
	err = w.broker.PublishEvent(ctx, eventType.RoutingKey(), &broker.Message{
		ContentType:     w.eventSerializer.ContentType(),
		ContentEncoding: "utf-8",
		Timestamp:       time.Now(),
		Body:            payload,
	})
	if err != nil {
		w.log.WithField("event", string(eventType)).Warn("Failed to publish event: ", err)
	}
}
