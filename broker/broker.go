// Package broker abstracts the message transport between producers and
// workers. Transports register a Factory for one or more URL schemes from
// their init function; import them for side effects.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Standard exchange and routing names shared with Celery.
const (
	EventExchange = "celeryev"
)

// Message is the data got from broker
type Message struct {
	Headers         map[string]interface{}
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	Priority        uint8
	Timestamp       time.Time
	Body            []byte
}

// Delivery is a message received from a queue. It must be acknowledged or
// rejected exactly once.
type Delivery struct {
	Message
	Queue string

	once   sync.Once
	ack    func() error
	reject func(requeue bool) error
}

// NewDelivery wraps msg with transport specific acknowledgement callbacks.
// Either callback may be nil for transports without acknowledgements.
func NewDelivery(queue string, msg Message, ack func() error, reject func(bool) error) *Delivery {
	return &Delivery{Message: msg, Queue: queue, ack: ack, reject: reject}
}

// Ack confirms the message was processed.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// Reject hands the message back to the broker, optionally requeueing it.
func (d *Delivery) Reject(requeue bool) error {
	var err error
	d.once.Do(func() {
		if d.reject != nil {
			err = d.reject(requeue)
		}
	})
	return err
}

// Options tune a broker connection.
type Options struct {
	// MaxPriority declares queues with x-max-priority when positive.
	MaxPriority int
	// CreateMissingQueues declares queues on first use.
	CreateMissingQueues bool
	Logger              *log.Entry
}

// Log returns the configured logger, or one writing to the standard logger.
func (o Options) Log() *log.Entry {
	if o.Logger != nil {
		return o.Logger
	}
	return log.NewEntry(log.StandardLogger())
}

// Broker implements the underlying broker for the task queue
type Broker interface {
	// Publish sends a task message to the named queue.
	Publish(ctx context.Context, queue string, msg *Message) error
	// PublishEvent sends an event message with the given routing key.
	PublishEvent(ctx context.Context, routingKey string, msg *Message) error
	// Consume starts delivering messages from queues. At most prefetch
	// unacknowledged messages are outstanding when the transport supports it.
	// The channel is closed when ctx is done or the connection is lost.
	Consume(ctx context.Context, queues []string, prefetch int) (<-chan *Delivery, error)
	Close() error
}

// Factory dials a broker for the given URL.
type Factory func(ctx context.Context, uri string, opts Options) (Broker, error)

// ErrUnknownScheme is returned by Open for unregistered URL schemes.
var ErrUnknownScheme = errors.New("unknown broker scheme")

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register a broker based on its scheme
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[scheme] = f
}

// Registered reports whether a factory exists for the URL's scheme.
func Registered(uri string) bool {
	_, err := lookup(uri)
	return err == nil
}

// Schemes lists the registered schemes, sorted.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Scheme returns the lower-cased scheme of uri.
func Scheme(uri string) string {
	return strings.ToLower(strings.SplitN(uri, "://", 2)[0])
}

func lookup(uri string) (Factory, error) {
	scheme := Scheme(uri)
	mu.RLock()
	defer mu.RUnlock()
	if f, ok := registry[scheme]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w [%s]", ErrUnknownScheme, scheme)
}

// Open creates a new broker based on the uri
func Open(ctx context.Context, uri string, opts Options) (Broker, error) {
	f, err := lookup(uri)
	if err != nil {
		return nil, err
	}
	b, err := f(ctx, uri, opts)
	if err != nil {
		opts.Log().WithField("broker", Redact(uri)).Error("Failed to connect to broker: ", err)
		return nil, err
	}
	return b, nil
}

// Redact hides the password of a broker URL for logging.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
