// Package amqp implements the RabbitMQ transport using the Celery/kombu
// topology: every task queue is bound to a direct exchange of the same name
// with the queue name as routing key, and events go to the "celeryev" topic
// exchange.
package amqp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clp-project/querycelery/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

func init() {
	for _, scheme := range []string{"amqp", "amqps", "pyamqp"} {
		broker.Register(scheme, Open)
	}
}

// Broker implements RabbitMQ broker
type Broker struct {
	sync.Mutex
	amqpURL string
	opts    broker.Options
	log     *log.Entry

	connection *amqp.Connection
	channel    *amqp.Channel // publishing and topology
	declared   map[string]bool
}

// Open dials the server and declares the event exchange.
func Open(_ context.Context, uri string, opts broker.Options) (broker.Broker, error) {
	// kombu accepts pyamqp:// as an alias of amqp://
	dialURL := uri
	if strings.HasPrefix(dialURL, "pyamqp://") {
		dialURL = "amqp://" + strings.TrimPrefix(dialURL, "pyamqp://")
	}
	b := &Broker{
		amqpURL:  uri,
		opts:     opts,
		log:      opts.Log().WithField("broker", broker.Redact(uri)),
		declared: make(map[string]bool),
	}
	b.log.Debug("Dialing")
	conn, err := amqp.Dial(dialURL)
	if err != nil {
		return nil, err
	}
	b.connection = conn
	if b.channel, err = conn.Channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = b.channel.ExchangeDeclare(broker.EventExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.log.Debug("Connected to rabbitmq")
	return b, nil
}

func (b *Broker) String() string {
	return fmt.Sprintf("AMQP Broker [%s]", broker.Redact(b.amqpURL))
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	b.log.Debug("Closing broker")
	return b.connection.Close()
}

// declareQueue creates the queue, its exchange and the binding once per
// connection.
func (b *Broker) declareQueue(name string) error {
	b.Lock()
	defer b.Unlock()
	if b.declared[name] {
		return nil
	}
	if err := b.channel.ExchangeDeclare(name, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	var args amqp.Table
	if b.opts.MaxPriority > 0 {
		args = amqp.Table{"x-max-priority": int32(b.opts.MaxPriority)}
	}
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return err
	}
	if err := b.channel.QueueBind(name, name, name, false, nil); err != nil {
		return err
	}
	b.declared[name] = true
	b.log.WithField("queue", name).Debug("Queue is bound to exchange")
	return nil
}

// Publish sends a task to queue
func (b *Broker) Publish(ctx context.Context, queue string, message *broker.Message) error {
	if b.opts.CreateMissingQueues {
		if err := b.declareQueue(queue); err != nil {
			return err
		}
	}
	b.Lock()
	defer b.Unlock()
	return b.channel.PublishWithContext(ctx, queue, queue, false, false, publishing(message))
}

// PublishEvent sends task events back to event queue
func (b *Broker) PublishEvent(ctx context.Context, key string, message *broker.Message) error {
	msg := publishing(message)
	msg.DeliveryMode = amqp.Transient
	b.Lock()
	defer b.Unlock()
	return b.channel.PublishWithContext(ctx, broker.EventExchange, key, false, false, msg)
}

// Consume opens a dedicated channel with the given prefetch and merges the
// deliveries of every queue into one stream.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int) (<-chan *broker.Delivery, error) {
	for _, q := range queues {
		if err := b.declareQueue(q); err != nil {
			return nil, err
		}
	}
	ch, err := b.connection.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	out := make(chan *broker.Delivery)
	var wg sync.WaitGroup
	for _, q := range queues {
		deliveries, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		b.log.Infof("Waiting for tasks on queue: %s", q)
		wg.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					select {
					case out <- toDelivery(queue, d):
					case <-ctx.Done():
						_ = d.Nack(false, true)
						return
					}
				}
			}
		}(q, deliveries)
	}
	go func() {
		wg.Wait()
		_ = ch.Close()
		close(out)
	}()
	return out, nil
}

func publishing(m *broker.Message) amqp.Publishing {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		Headers:         amqp.Table(m.Headers),
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        m.Priority,
		CorrelationId:   m.CorrelationID,
		ReplyTo:         m.ReplyTo,
		Timestamp:       ts,
		Body:            m.Body,
	}
}

func toDelivery(queue string, d amqp.Delivery) *broker.Delivery {
	msg := broker.Message{
		Headers:         map[string]interface{}(d.Headers),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Priority:        d.Priority,
		Timestamp:       d.Timestamp,
		Body:            d.Body,
	}
	return broker.NewDelivery(queue, msg,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Reject(requeue) })
}
