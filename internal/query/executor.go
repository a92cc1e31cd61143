package query

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/clp-project/querycelery"
	log "github.com/sirupsen/logrus"
)

// Task statuses reported in a task result.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// ExecutorConfig locates the executables and directories query tasks use.
type ExecutorConfig struct {
	SearchCommand  string `env:"QUERY_SEARCH_COMMAND" envDefault:"clp-s"`
	ExtractCommand string `env:"QUERY_EXTRACT_COMMAND" envDefault:"clp-s"`
	ArchivesDir    string `env:"CLP_ARCHIVE_OUTPUT_DIR" envDefault:"var/data/archives"`
	StreamsDir     string `env:"CLP_STREAM_OUTPUT_DIR" envDefault:"var/data/streams"`
	LogsDir        string `env:"CLP_LOGS_DIR" envDefault:"var/log"`
}

// LoadExecutorConfig reads the executor configuration from environment, or
// from the process environment when it is nil.
func LoadExecutorConfig(environment map[string]string) (ExecutorConfig, error) {
	return env.ParseAsWithOptions[ExecutorConfig](env.Options{Environment: environment})
}

// Executor runs query tasks as child processes.
type Executor struct {
	cfg ExecutorConfig
	log *log.Entry
}

// NewExecutor returns an executor for cfg.
func NewExecutor(cfg ExecutorConfig, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{cfg: cfg, log: logger.WithField("component", "executor")}
}

// Register adds the query handlers to app.
func (e *Executor) Register(app *querycelery.App) {
	app.RegisterFunc(SearchTask, e.Search)
	app.RegisterFunc(ExtractStreamTask, e.ExtractStream)
}

// job holds the arguments shared by both query tasks:
// (job_id, task_id, job_config, archive_id).
type job struct {
	id        string
	taskID    string
	archiveID string
	config    map[string]interface{}
}

func parseJob(task *querycelery.Task) (*job, error) {
	j := &job{}
	var ok bool
	if j.id, ok = task.StringArg(0, "job_id"); !ok {
		return nil, missingArg("job_id")
	}
	if j.taskID, ok = task.StringArg(1, "task_id"); !ok {
		return nil, missingArg("task_id")
	}
	if j.archiveID, ok = task.StringArg(3, "archive_id"); !ok {
		return nil, missingArg("archive_id")
	}
	raw, _ := task.Arg(2, "job_config")
	switch c := raw.(type) {
	case map[string]interface{}:
		j.config = c
	case nil:
		j.config = map[string]interface{}{}
	default:
		return nil, &ArgumentError{Name: "job_config", Reason: fmt.Sprintf("expected a mapping, got %T", raw)}
	}
	return j, nil
}

func (j *job) option(name string) (string, bool) {
	v, ok := j.config[name]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// ArgumentError reports a malformed task invocation.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s: %s", e.Name, e.Reason)
}

// ExceptionType names the failure in the stored task result.
func (e *ArgumentError) ExceptionType() string { return "ValueError" }

func missingArg(name string) error {
	return &ArgumentError{Name: name, Reason: "missing"}
}

// Search runs a search over one archive.
func (e *Executor) Search(ctx context.Context, task *querycelery.Task) (interface{}, error) {
	j, err := parseJob(task)
	if err != nil {
		return nil, err
	}
	query, ok := j.option("query_string")
	if !ok {
		return nil, &ArgumentError{Name: "job_config", Reason: "query_string is required"}
	}
	args := []string{"s", e.cfg.ArchivesDir, "--archive-id", j.archiveID}
	if v, ok := j.option("begin_timestamp"); ok {
		args = append(args, "--tge", v)
	}
	if v, ok := j.option("end_timestamp"); ok {
		args = append(args, "--tle", v)
	}
	if v, ok := j.option("ignore_case"); ok && v == "true" {
		args = append(args, "--ignore-case")
	}
	if v, ok := j.option("max_num_results"); ok && v != "0" {
		args = append(args, "--limit", v)
	}
	args = append(args, query)
	return e.run(ctx, "search", j, e.cfg.SearchCommand, args)
}

// ExtractStream extracts a stream of one archive to the streams directory.
func (e *Executor) ExtractStream(ctx context.Context, task *querycelery.Task) (interface{}, error) {
	j, err := parseJob(task)
	if err != nil {
		return nil, err
	}
	args := []string{"x", e.cfg.ArchivesDir, e.cfg.StreamsDir, "--archive-id", j.archiveID, "--ordered"}
	if v, ok := j.option("target_chunk_size"); ok {
		args = append(args, "--target-ordered-chunk-size", v)
	}
	return e.run(ctx, "extract", j, e.cfg.ExtractCommand, args)
}

// run executes the command with stderr written to a per-task log file. A
// command that exits non-zero yields a FAILED result, not an error.
func (e *Executor) run(ctx context.Context, kind string, j *job, command string, args []string) (interface{}, error) {
	logger := e.log.WithFields(log.Fields{"job": j.id, "task": j.taskID, "archive": j.archiveID})
	if err := os.MkdirAll(e.cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(e.cfg.LogsDir, fmt.Sprintf("%s-%s-%s.log", kind, j.id, j.taskID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create task log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	logger.Info("Running ", command, " ", strings.Join(args, " "))

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	result := map[string]interface{}{
		"task_id":  j.taskID,
		"status":   StatusSucceeded,
		"duration": duration.Seconds(),
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok && ctx.Err() == nil {
			return nil, fmt.Errorf("run %s: %w", command, err)
		}
		logger.Error(kind, " failed: ", err)
		result["status"] = StatusFailed
		result["error_log_path"] = logPath
		return result, nil
	}
	logger.Infof("%s completed in %f seconds", kind, duration.Seconds())
	return result, nil
}
