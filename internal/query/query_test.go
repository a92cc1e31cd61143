package query

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/clp-project/querycelery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func testExecutor(t *testing.T, search string) *Executor {
	return NewExecutor(ExecutorConfig{
		SearchCommand:  search,
		ExtractCommand: search,
		ArchivesDir:    t.TempDir(),
		StreamsDir:     t.TempDir(),
		LogsDir:        filepath.Join(t.TempDir(), "logs"),
	}, nil)
}

func searchTask(kwargs map[string]interface{}) *querycelery.Task {
	return &querycelery.Task{
		Name:   SearchTask,
		ID:     "id",
		Args:   []interface{}{"7", "3", map[string]interface{}{"query_string": "error"}, "archive-1"},
		Kwargs: kwargs,
	}
}

func TestDefaults(t *testing.T) {
	app, err := New(querycelery.Options{"broker_url": "memory://", "log_level": "error"}, nil,
		querycelery.WithLogOutput(io.Discard))
	require.NoError(t, err)
	cfg := app.Config()

	assert.Equal(t, Queue, cfg.Route(SearchTask))
	assert.Equal(t, Queue, cfg.Route(ExtractStreamTask))
	assert.Equal(t, "celery", cfg.Route("tasks.other"))
	assert.Equal(t, []string{Queue}, cfg.Queues())
	assert.Equal(t, 1, cfg.WorkerPrefetchMultiplier)
	assert.True(t, cfg.TaskAcksLate)
	assert.True(t, cfg.TaskTrackStarted)
	assert.True(t, cfg.ResultPersistent)
	assert.Equal(t, "pickle", cfg.TaskSerializer)
	assert.Equal(t, "json", cfg.ResultSerializer)
	assert.ElementsMatch(t, []string{"json", "pickle"}, cfg.AcceptContent)
	assert.Equal(t, "memory://", cfg.BrokerURL)
}

func TestDefaultsOverriddenBySource(t *testing.T) {
	app, err := New(querycelery.Options{"broker_url": "memory://", "worker_prefetch_multiplier": 2, "log_level": "error"}, nil,
		querycelery.WithLogOutput(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, 2, app.Config().WorkerPrefetchMultiplier)
}

func TestSearchSucceeded(t *testing.T) {
	e := testExecutor(t, lookPath(t, "true"))
	res, err := e.Search(context.Background(), searchTask(nil))
	require.NoError(t, err)

	result := res.(map[string]interface{})
	assert.Equal(t, StatusSucceeded, result["status"])
	assert.Equal(t, "3", result["task_id"])
	assert.NotContains(t, result, "error_log_path")
}

func TestSearchFailedKeepsLog(t *testing.T) {
	e := testExecutor(t, lookPath(t, "false"))
	res, err := e.Search(context.Background(), searchTask(nil))
	require.NoError(t, err)

	result := res.(map[string]interface{})
	assert.Equal(t, StatusFailed, result["status"])
	_, statErr := os.Stat(result["error_log_path"].(string))
	assert.NoError(t, statErr)
}

func TestSearchCommandMissing(t *testing.T) {
	e := testExecutor(t, filepath.Join(t.TempDir(), "no-such-binary"))
	_, err := e.Search(context.Background(), searchTask(nil))
	assert.Error(t, err)
}

func TestSearchArguments(t *testing.T) {
	e := testExecutor(t, "unused")
	tests := []struct {
		name string
		task *querycelery.Task
		arg  string
	}{
		{"no args", &querycelery.Task{}, "job_id"},
		{"no archive", &querycelery.Task{Args: []interface{}{"7", "3", map[string]interface{}{}}}, "archive_id"},
		{"bad config", &querycelery.Task{Args: []interface{}{"7", "3", "config", "a"}}, "job_config"},
		{"no query", &querycelery.Task{Args: []interface{}{"7", "3", nil, "a"}}, "job_config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), tt.task)
			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, tt.arg, argErr.Name)
			assert.Equal(t, "ValueError", argErr.ExceptionType())
		})
	}
}

func TestExtractStreamKeywordArguments(t *testing.T) {
	e := testExecutor(t, lookPath(t, "true"))
	task := &querycelery.Task{Kwargs: map[string]interface{}{
		"job_id": 9, "task_id": 1, "archive_id": "archive-2",
		"job_config": map[string]interface{}{"target_chunk_size": 1000},
	}}
	res, err := e.ExtractStream(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.(map[string]interface{})["status"])
}

func TestLoadExecutorConfig(t *testing.T) {
	cfg, err := LoadExecutorConfig(map[string]string{
		"QUERY_SEARCH_COMMAND": "/opt/clp/bin/clp-s",
		"CLP_LOGS_DIR":         "/var/log/clp",
	})
	require.NoError(t, err)
	assert.Equal(t, "/opt/clp/bin/clp-s", cfg.SearchCommand)
	assert.Equal(t, "clp-s", cfg.ExtractCommand)
	assert.Equal(t, "/var/log/clp", cfg.LogsDir)
}

func TestQueryWorkerRunsSearch(t *testing.T) {
	uri := "memory://" + t.Name()
	app, err := New(querycelery.Options{"broker_url": uri, "result_backend": uri, "log_level": "error"},
		testExecutor(t, lookPath(t, "true")), querycelery.WithLogOutput(io.Discard))
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	res, err := app.SendTask(context.Background(), SearchTask,
		[]interface{}{"7", "3", map[string]interface{}{"query_string": "error"}, "archive-1"}, nil)
	require.NoError(t, err)

	getCtx, getCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer getCancel()
	tr, err := res.Get(getCtx)
	require.NoError(t, err)
	result := tr.Result.(map[string]interface{})
	assert.Equal(t, StatusSucceeded, result["status"])
	assert.IsType(t, json.Number(""), result["duration"])
}
