package querycelery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/clp-project/querycelery/broker"
	"github.com/clp-project/querycelery/serializer"
)

// ErrContentDisallowed is returned for messages whose content type is not
// in the accepted list.
var ErrContentDisallowed = errors.New("content type not accepted")

var origin = fmt.Sprintf("gen%d@%s", pid, hostname)

// acceptedTypes resolves serializer aliases to content types.
func acceptedTypes(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if ct, err := serializer.ContentType(n); err == nil {
			out[ct] = true
		}
	}
	return out
}

// decodeTask converts a message in Celery protocol v2 (task fields in
// headers, body [args, kwargs, embed]) or v1 (task fields in body) to a
// Task.
func decodeTask(msg *broker.Message, accepted map[string]bool) (*Task, error) {
	if !accepted[msg.ContentType] {
		return nil, fmt.Errorf("%w: %q", ErrContentDisallowed, msg.ContentType)
	}
	s, err := serializer.Lookup(msg.ContentType)
	if err != nil {
		return nil, err
	}
	var body interface{}
	if err := s.Deserialize(msg.Body, &body); err != nil {
		return nil, fmt.Errorf("deserialize task: %w", err)
	}

	var (
		task   = &Task{ContentType: msg.ContentType}
		fields map[string]interface{}
	)
	if name, ok := msg.Headers["task"].(string); ok && name != "" {
		parts, ok := body.([]interface{})
		if !ok || len(parts) < 2 {
			return nil, fmt.Errorf("protocol 2 body must be [args, kwargs, embed], got %T", body)
		}
		task.Args = toSlice(parts[0])
		task.Kwargs = toMap(parts[1])
		fields = msg.Headers
		task.Name = name
		task.GroupID = toString(fields["group"])
	} else {
		m, ok := body.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("protocol 1 body must be a mapping, got %T", body)
		}
		fields = m
		task.Name = toString(m["task"])
		task.Args = toSlice(m["args"])
		task.Kwargs = toMap(m["kwargs"])
		task.GroupID = toString(m["taskset"])
	}
	task.ID = toString(fields["id"])
	task.Retries = toInt(fields["retries"])
	task.RootID = toString(fields["root_id"])
	task.ParentID = toString(fields["parent_id"])
	task.Origin = toString(fields["origin"])
	if task.ETA, err = parseCeleryTime(fields["eta"]); err != nil {
		return nil, err
	}
	if task.Expires, err = parseCeleryTime(fields["expires"]); err != nil {
		return nil, err
	}
	if task.Name == "" || task.ID == "" {
		return nil, errors.New("message does not name a task and id")
	}
	if task.Kwargs == nil {
		task.Kwargs = map[string]interface{}{}
	}
	return task, nil
}

// encodeTask builds a protocol v2 message.
func encodeTask(task *Task, s serializer.Serializer, priority uint8) (*broker.Message, error) {
	args := task.Args
	if args == nil {
		args = []interface{}{}
	}
	kwargs := task.Kwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	embed := map[string]interface{}{"callbacks": nil, "errbacks": nil, "chain": nil, "chord": nil}
	body, err := s.Serialize([]interface{}{args, kwargs, embed})
	if err != nil {
		return nil, fmt.Errorf("serialize task: %w", err)
	}
	rootID := task.RootID
	if rootID == "" {
		rootID = task.ID
	}
	headers := map[string]interface{}{
		"lang":       "go",
		"task":       task.Name,
		"id":         task.ID,
		"shadow":     nil,
		"eta":        formatCeleryTime(task.ETA),
		"expires":    formatCeleryTime(task.Expires),
		"group":      nil,
		"retries":    task.Retries,
		"timelimit":  []interface{}{nil, nil},
		"root_id":    rootID,
		"parent_id":  nilIfEmpty(task.ParentID),
		"argsrepr":   fmt.Sprint(args),
		"kwargsrepr": fmt.Sprint(kwargs),
		"origin":     origin,
	}
	encoding := "utf-8"
	if s.ContentType() == "application/x-python-serialize" {
		encoding = "binary"
	}
	return &broker.Message{
		Headers:         headers,
		ContentType:     s.ContentType(),
		ContentEncoding: encoding,
		CorrelationID:   task.ID,
		Priority:        priority,
		Timestamp:       time.Now(),
		Body:            body,
	}, nil
}

// resultMeta is the mapping Celery backends store per task.
func resultMeta(r *TaskResult) map[string]interface{} {
	done := r.DateDone
	if done.IsZero() && r.Status.Ready() {
		done = time.Now()
	}
	var traceback interface{}
	if r.TraceBack != "" {
		traceback = r.TraceBack
	}
	return map[string]interface{}{
		"task_id":   r.ID,
		"status":    string(r.Status),
		"result":    r.Result,
		"traceback": traceback,
		"children":  []interface{}{},
		"date_done": formatCeleryTime(done),
	}
}

func decodeResult(taskID string, payload []byte, s serializer.Serializer) (*TaskResult, error) {
	var raw interface{}
	if err := s.Deserialize(payload, &raw); err != nil {
		return nil, fmt.Errorf("deserialize result: %w", err)
	}
	meta := toMap(raw)
	r := &TaskResult{
		ID:        taskID,
		Status:    ResultStatus(toString(meta["status"])),
		Result:    meta["result"],
		TraceBack: toString(meta["traceback"]),
	}
	r.DateDone, _ = parseCeleryTime(meta["date_done"])
	if r.Status == "" {
		r.Status = Pending
	}
	return r, nil
}

// exceptionResult is the Celery representation of a raised exception.
func exceptionResult(excType string, err error) map[string]interface{} {
	return map[string]interface{}{
		"exc_type":    excType,
		"exc_message": []interface{}{err.Error()},
		"exc_module":  "builtins",
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

func toSlice(v interface{}) []interface{} {
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return nil
}

func toMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
		return m
	}
	return nil
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
