// Package nats implements a NATS transport. Each queue is a subject consumed
// by the "celery" queue group; messages travel JSON encoded. Core NATS has
// no acknowledgements, so a requeued message is published again.
package nats

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clp-project/querycelery/broker"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// QueueGroup shared by all workers.
const QueueGroup = "celery"

func init() {
	broker.Register("nats", Open)
}

// Broker implements Nats broker
type Broker struct {
	natsURL string
	log     *log.Entry

	connection *nats.Conn
}

// Open connects to the NATS server.
func Open(_ context.Context, uri string, opts broker.Options) (broker.Broker, error) {
	b := &Broker{natsURL: uri, log: opts.Log().WithField("broker", broker.Redact(uri))}
	b.log.Debug("Dialing")
	conn, err := nats.Connect(uri, nats.Name("querycelery"))
	if err != nil {
		return nil, err
	}
	b.connection = conn
	b.log.Debug("Connected to nats")
	return b, nil
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	b.log.Debug("Closing broker")
	b.connection.Close()
	return nil
}

func (b *Broker) publish(subject string, msg *broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(subject)
	m.Header.Set("Content-Type", msg.ContentType)
	m.Data = data
	return b.connection.PublishMsg(m)
}

// Publish sends a task to queue
func (b *Broker) Publish(_ context.Context, queue string, msg *broker.Message) error {
	return b.publish(queue, msg)
}

// PublishEvent sends task events back to event queue
func (b *Broker) PublishEvent(_ context.Context, key string, msg *broker.Message) error {
	return b.publish(broker.EventExchange+"."+key, msg)
}

// Consume subscribes to every queue in the worker queue group. prefetch
// sizes the pending channel.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int) (<-chan *broker.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	in := make(chan *nats.Msg, prefetch)
	subs := make([]*nats.Subscription, 0, len(queues))
	for _, q := range queues {
		sub, err := b.connection.ChanQueueSubscribe(q, QueueGroup, in)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
		b.log.Infof("Waiting for tasks on subject: %s", q)
	}

	out := make(chan *broker.Delivery)
	closed := make(chan struct{})
	var once sync.Once
	b.connection.SetClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) })

	go func() {
		defer close(out)
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case m := <-in:
				var msg broker.Message
				if err := json.Unmarshal(m.Data, &msg); err != nil {
					b.log.Error("Dropping undecodable message: ", err)
					continue
				}
				subject := m.Subject
				d := broker.NewDelivery(subject, msg, nil, func(requeue bool) error {
					if !requeue {
						return nil
					}
					return b.publish(subject, &msg)
				})
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
