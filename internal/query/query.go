// Package query defines the "query" application: its Celery settings and
// the handlers that run search and stream extraction jobs against
// compressed archives.
package query

import (
	"github.com/clp-project/querycelery"
)

// Name of the application.
const Name = "query"

// Queue is the queue both query tasks are routed to.
const Queue = "query"

// Task names, as sent by the query scheduler.
const (
	SearchTask        = "job_orchestration.executor.query.fs_search_task.search"
	ExtractStreamTask = "job_orchestration.executor.query.extract_stream_task.extract_stream"
)

// Defaults returns the settings of the query application. Deployments
// supply broker_url and result_backend through the environment.
func Defaults() querycelery.Options {
	return querycelery.Options{
		"task_routes": map[string]interface{}{
			SearchTask:        Queue,
			ExtractStreamTask: Queue,
		},
		"task_create_missing_queues": true,
		"worker_queues":              []string{Queue},
		"worker_prefetch_multiplier": 1,
		"task_acks_late":             true,
		"task_track_started":         true,
		"result_persistent":          true,
		"accept_content":             []string{"json", "pickle"},
		"task_serializer":            "pickle",
		"result_serializer":          "json",
	}
}

// New initializes the query application from the defaults followed by src
// and registers its handlers.
func New(src querycelery.ConfigSource, exec *Executor, opts ...querycelery.Option) (*querycelery.App, error) {
	app, err := querycelery.Initialize(Name, querycelery.Sources(Defaults(), src), opts...)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		exec.Register(app)
	}
	return app, nil
}
