package querycelery

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Version of this worker, reported in worker events.
const Version = "0.3.0"

var hostname, _ = os.Hostname()
var pid = os.Getpid()

const (
	identity = "querycelery"
	system   = runtime.GOOS
)

// EventType is enum of valid event types in celery
type EventType string

// Valid EventTypes
const (
	None            EventType = "None"
	WorkerOffline   EventType = "worker-offline"
	WorkerHeartbeat EventType = "worker-heartbeat"
	WorkerOnline    EventType = "worker-online"
	TaskRetried     EventType = "task-retried"
	TaskSucceeded   EventType = "task-succeeded"
	TaskStarted     EventType = "task-started"
	TaskReceived    EventType = "task-received"
	TaskFailed      EventType = "task-failed"
	TaskRevoked     EventType = "task-revoked"
)

// RoutingKey returns celery routing keys for events
func (eventType EventType) RoutingKey() string {
	return strings.Replace(string(eventType), "-", ".", -1)
}

func eventTimestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// newWorkerEvent creates worker events. active and processed are the
// current and total task counts.
func newWorkerEvent(eventType EventType, freq time.Duration, active int, processed uint64) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(eventType),
		"sw_ident":  identity,
		"sw_ver":    Version,
		"sw_sys":    system,
		"hostname":  hostname,
		"pid":       pid,
		"freq":      freq.Seconds(),
		"active":    active,
		"processed": processed,
		"timestamp": eventTimestamp(),
	}
}

func newTaskEvent(eventType EventType, task *Task) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(eventType),
		"uuid":      task.ID,
		"hostname":  hostname,
		"pid":       pid,
		"timestamp": eventTimestamp(),
	}
}

// newTaskReceivedEvent creates new event for task received
func newTaskReceivedEvent(task *Task) map[string]interface{} {
	ev := newTaskEvent(TaskReceived, task)
	ev["name"] = task.Name
	ev["args"] = task.Args
	ev["kwargs"] = task.Kwargs
	ev["retries"] = task.Retries
	ev["eta"] = formatCeleryTime(task.ETA)
	ev["expires"] = formatCeleryTime(task.Expires)
	ev["root_id"] = task.RootID
	ev["parent_id"] = task.ParentID
	return ev
}

// newTaskFailedEvent creates new event for task failed
func newTaskFailedEvent(task *Task, result *TaskResult, err error) map[string]interface{} {
	ev := newTaskEvent(TaskFailed, task)
	ev["exception"] = err.Error()
	ev["traceback"] = result.TraceBack
	return ev
}

// newTaskSucceededEvent creates new event for task succeeded
func newTaskSucceededEvent(task *Task, result *TaskResult, elapsed time.Duration) map[string]interface{} {
	ev := newTaskEvent(TaskSucceeded, task)
	ev["result"] = result.Result
	ev["runtime"] = elapsed.Seconds()
	return ev
}

func newTaskRevokedEvent(task *Task) map[string]interface{} {
	ev := newTaskEvent(TaskRevoked, task)
	ev["expired"] = true
	ev["terminated"] = false
	return ev
}
