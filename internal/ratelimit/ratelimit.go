// Package ratelimit throttles task execution per task name using Celery
// rate strings such as "10/s", "100/m" or "1000/h".
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Parse converts a Celery rate string to a limit. An empty string or zero
// means unlimited and returns rate.Inf.
func Parse(s string) (rate.Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return rate.Inf, nil
	}
	count, unit, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(strings.TrimSpace(count), 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid rate limit %q", s)
	}
	if n == 0 {
		return rate.Inf, nil
	}
	per := 1.0
	if found {
		switch strings.TrimSpace(unit) {
		case "s":
		case "m":
			per = 60
		case "h":
			per = 3600
		default:
			return 0, fmt.Errorf("invalid rate limit unit in %q", s)
		}
	}
	return rate.Limit(n / per), nil
}

// Limiter applies a token bucket per task name.
type Limiter struct {
	def    rate.Limit
	perKey map[string]rate.Limit

	mu    sync.Mutex
	byKey map[string]*rate.Limiter
}

// New builds a limiter from a default rate and per-task overrides.
func New(defaultRate string, perTask map[string]string) (*Limiter, error) {
	def, err := Parse(defaultRate)
	if err != nil {
		return nil, err
	}
	l := &Limiter{def: def, perKey: make(map[string]rate.Limit, len(perTask)), byKey: make(map[string]*rate.Limiter)}
	for name, r := range perTask {
		limit, err := Parse(r)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		l.perKey[strings.ToLower(name)] = limit
	}
	return l, nil
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.byKey[key]; ok {
		return lim
	}
	limit, ok := l.perKey[key]
	if !ok {
		limit = l.def
	}
	var lim *rate.Limiter
	if limit != rate.Inf {
		lim = rate.NewLimiter(limit, 1)
	}
	l.byKey[key] = lim
	return lim
}

// Wait blocks until the task named key (lowercased) may run or ctx is done. A nil
// Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	lim := l.limiter(key)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
