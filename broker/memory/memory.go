// Package memory is an in-process transport. Brokers opened with the same
// URL share queues, which lets a producer and a worker in one process talk
// to each other. It backs "memory://" URLs and the tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/clp-project/querycelery/broker"
)

func init() {
	broker.Register("memory", Open)
}

// Event is a published event message.
type Event struct {
	RoutingKey string
	Message    broker.Message
}

type hub struct {
	mu     sync.Mutex
	queues map[string][]broker.Message
	notify chan struct{}
	events []Event
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

func hubFor(uri string) *hub {
	key := strings.TrimPrefix(uri, "memory://")
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[key]
	if !ok {
		h = &hub{queues: make(map[string][]broker.Message), notify: make(chan struct{})}
		hubs[key] = h
	}
	return h
}

func (h *hub) push(queue string, m broker.Message, front bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if front {
		h.queues[queue] = append([]broker.Message{m}, h.queues[queue]...)
	} else {
		h.queues[queue] = append(h.queues[queue], m)
	}
	close(h.notify)
	h.notify = make(chan struct{})
}

// pop removes the head of the first non-empty queue. When every queue is
// empty it returns a channel that is closed on the next push.
func (h *hub) pop(queues []string) (string, broker.Message, bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range queues {
		if msgs := h.queues[q]; len(msgs) > 0 {
			m := msgs[0]
			h.queues[q] = msgs[1:]
			return q, m, true, nil
		}
	}
	return "", broker.Message{}, false, h.notify
}

// Broker is a handle on a shared in-process hub.
type Broker struct {
	hub       *hub
	done      chan struct{}
	closeOnce sync.Once
}

// Open returns a broker bound to the hub named by uri.
func Open(_ context.Context, uri string, _ broker.Options) (broker.Broker, error) {
	return &Broker{hub: hubFor(uri), done: make(chan struct{})}, nil
}

func (b *Broker) Publish(_ context.Context, queue string, msg *broker.Message) error {
	b.hub.push(queue, clone(msg), false)
	return nil
}

func (b *Broker) PublishEvent(_ context.Context, routingKey string, msg *broker.Message) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.events = append(b.hub.events, Event{RoutingKey: routingKey, Message: clone(msg)})
	return nil
}

func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int) (<-chan *broker.Delivery, error) {
	out := make(chan *broker.Delivery)
	var sem chan struct{}
	if prefetch > 0 {
		sem = make(chan struct{}, prefetch)
	}
	release := func() {
		if sem != nil {
			<-sem
		}
	}
	go func() {
		defer close(out)
		for {
			if sem != nil {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
			var (
				queue string
				msg   broker.Message
			)
			for {
				q, m, ok, wait := b.hub.pop(queues)
				if ok {
					queue, msg = q, m
					break
				}
				select {
				case <-wait:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
			d := broker.NewDelivery(queue, msg,
				func() error {
					release()
					return nil
				},
				func(requeue bool) error {
					if requeue {
						b.hub.push(queue, msg, true)
					}
					release()
					return nil
				})
			select {
			case out <- d:
			case <-ctx.Done():
				b.hub.push(queue, msg, true)
				return
			case <-b.done:
				b.hub.push(queue, msg, true)
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// Pending counts the messages waiting in queue on the hub named by uri.
func Pending(uri, queue string) int {
	h := hubFor(uri)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[queue])
}

// Events returns a copy of the events published on the hub named by uri.
func Events(uri string) []Event {
	h := hubFor(uri)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func clone(msg *broker.Message) broker.Message {
	m := *msg
	if msg.Headers != nil {
		m.Headers = make(map[string]interface{}, len(msg.Headers))
		for k, v := range msg.Headers {
			m.Headers[k] = v
		}
	}
	m.Body = append([]byte(nil), msg.Body...)
	return m
}
