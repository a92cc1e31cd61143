package querycelery

import (
	"fmt"
	"strings"
	"time"
)

// celeryTimeFormat is the naive ISO 8601 layout older Celery clients use.
const celeryTimeFormat = "2006-01-02T15:04:05.999999"

// parseCeleryTime accepts RFC 3339 timestamps and Celery's naive UTC form.
func parseCeleryTime(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(celeryTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

func formatCeleryTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000+00:00")
}

// Task represents the a single piece of work
type Task struct {
	Name     string
	ID       string
	Args     []interface{}
	Kwargs   map[string]interface{}
	Retries  int
	ETA      time.Time
	Expires  time.Time
	RootID   string
	ParentID string
	GroupID  string
	Origin   string

	// ContentType the task arrived with; results use the same queue
	// conventions but the configured result serializer.
	ContentType string
	Queue       string
}

func (t Task) String() string {
	return fmt.Sprintf("ID: %s, Task: %s, Args: %v", t.ID, t.Name, t.Args)
}

// Arg returns positional argument i or the keyword argument name,
// whichever is present.
func (t *Task) Arg(i int, name string) (interface{}, bool) {
	if v, ok := t.Kwargs[name]; ok {
		return v, true
	}
	if i >= 0 && i < len(t.Args) {
		return t.Args[i], true
	}
	return nil, false
}

// StringArg is Arg converted to a string.
func (t *Task) StringArg(i int, name string) (string, bool) {
	v, ok := t.Arg(i, name)
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// ResultStatus is the valid statuses for task executions
type ResultStatus string

// ResultStatus values
const (
	Pending  ResultStatus = "PENDING"
	Received ResultStatus = "RECEIVED"
	Started  ResultStatus = "STARTED"
	Success  ResultStatus = "SUCCESS"
	Retry    ResultStatus = "RETRY"
	Failure  ResultStatus = "FAILURE"
	Revoked  ResultStatus = "REVOKED"
)

// Ready reports whether the status is final.
func (s ResultStatus) Ready() bool {
	switch s {
	case Success, Failure, Revoked:
		return true
	}
	return false
}

// TaskResult is the result wrapper for task
type TaskResult struct {
	ID        string
	Status    ResultStatus
	Result    interface{}
	TraceBack string
	DateDone  time.Time
}

// Err returns the failure described by a FAILURE or REVOKED result.
func (r *TaskResult) Err() error {
	if r.Status != Failure && r.Status != Revoked {
		return nil
	}
	return &TaskError{Status: r.Status, Type: r.exceptionType(), Message: r.exceptionMessage()}
}

func (r *TaskResult) exceptionType() string {
	if m, ok := r.Result.(map[string]interface{}); ok {
		if s, ok := m["exc_type"].(string); ok {
			return s
		}
	}
	return ""
}

func (r *TaskResult) exceptionMessage() string {
	m, ok := r.Result.(map[string]interface{})
	if !ok {
		return fmt.Sprint(r.Result)
	}
	switch msg := m["exc_message"].(type) {
	case []interface{}:
		parts := make([]string, len(msg))
		for i, p := range msg {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(msg)
	}
}

// TaskError is a task failure reported through the result backend.
type TaskError struct {
	Status  ResultStatus
	Type    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("task %s: %s", strings.ToLower(string(e.Status)), e.Message)
	}
	return fmt.Sprintf("task %s: %s: %s", strings.ToLower(string(e.Status)), e.Type, e.Message)
}
