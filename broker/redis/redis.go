// Package redis implements the Redis transport. Task messages are kombu
// style JSON envelopes pushed onto a list per queue and popped with BRPOP.
// Events are published on the "celeryev" pub/sub channel.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/clp-project/querycelery/broker"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const pollTimeout = 1 // seconds

func init() {
	broker.Register("redis", Open)
	broker.Register("rediss", Open)
}

// Broker implements the Redis broker
type Broker struct {
	redisURL string
	log      *log.Entry
	pool     *redis.Pool
}

// Envelope is the kombu wire format of a message stored in Redis.
type Envelope struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      Properties             `json:"properties"`
}

// Properties of an Envelope.
type Properties struct {
	CorrelationID string       `json:"correlation_id,omitempty"`
	ReplyTo       string       `json:"reply_to,omitempty"`
	DeliveryMode  int          `json:"delivery_mode"`
	DeliveryInfo  DeliveryInfo `json:"delivery_info"`
	Priority      uint8        `json:"priority"`
	BodyEncoding  string       `json:"body_encoding"`
	DeliveryTag   string       `json:"delivery_tag"`
}

// DeliveryInfo records where a message was routed.
type DeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Open validates the URL with a PING and sets up a connection pool.
func Open(ctx context.Context, uri string, opts broker.Options) (broker.Broker, error) {
	b := &Broker{redisURL: uri, log: opts.Log().WithField("broker", broker.Redact(uri))}
	b.pool = &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 4 * time.Minute,
		Dial:        b.dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = b.pool.Close()
		return nil, err
	}
	b.log.Debug("Connected to redis")
	return b, nil
}

func (b *Broker) dial() (redis.Conn, error) {
	return redis.DialURL(b.redisURL)
}

// Close the broker and cleans up resources
func (b *Broker) Close() error {
	b.log.Debug("Closing broker")
	return b.pool.Close()
}

// Encode wraps msg in a kombu envelope routed to queue.
func Encode(queue string, msg *broker.Message) ([]byte, error) {
	env := Envelope{
		Body:            base64.StdEncoding.EncodeToString(msg.Body),
		ContentEncoding: msg.ContentEncoding,
		ContentType:     msg.ContentType,
		Headers:         msg.Headers,
		Properties: Properties{
			CorrelationID: msg.CorrelationID,
			ReplyTo:       msg.ReplyTo,
			DeliveryMode:  2,
			DeliveryInfo:  DeliveryInfo{Exchange: queue, RoutingKey: queue},
			Priority:      msg.Priority,
			BodyEncoding:  "base64",
			DeliveryTag:   uuid.NewString(),
		},
	}
	return json.Marshal(env)
}

// Decode unwraps a kombu envelope.
func Decode(data []byte) (broker.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return broker.Message{}, err
	}
	body := []byte(env.Body)
	if env.Properties.BodyEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return broker.Message{}, err
		}
		body = decoded
	}
	return broker.Message{
		Headers:         env.Headers,
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		CorrelationID:   env.Properties.CorrelationID,
		ReplyTo:         env.Properties.ReplyTo,
		Priority:        env.Properties.Priority,
		Body:            body,
	}, nil
}

// Publish sends a task to queue
func (b *Broker) Publish(ctx context.Context, queue string, msg *broker.Message) error {
	payload, err := Encode(queue, msg)
	if err != nil {
		return err
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("LPUSH", queue, payload)
	return err
}

// PublishEvent sends task events back to event queue
func (b *Broker) PublishEvent(ctx context.Context, key string, msg *broker.Message) error {
	payload, err := Encode(key, msg)
	if err != nil {
		return err
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PUBLISH", broker.EventExchange, payload)
	return err
}

// Consume pops messages with BRPOP until ctx is done. Rejected messages
// are pushed back to the consuming end of their list.
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
	args := make([]interface{}, 0, len(queues)+1)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, pollTimeout)

	go func() {
		defer close(out)
		conn := b.pool.Get()
		defer conn.Close()
		b.log.Infof("Waiting for tasks on queues: %v", queues)
		for {
			if sem != nil {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
			var reply []interface{}
			for reply == nil {
				if ctx.Err() != nil {
					return
				}
				values, err := redis.Values(conn.Do("BRPOP", args...))
				if errors.Is(err, redis.ErrNil) {
					continue
				}
				if err != nil {
					b.log.Error("Failed to pop tasks: ", err)
					return
				}
				reply = values
			}
			queue, _ := redis.String(reply[0], nil)
			raw, _ := redis.Bytes(reply[1], nil)
			msg, err := Decode(raw)
			if err != nil {
				b.log.Error("Dropping undecodable message: ", err)
				release()
				continue
			}
			d := broker.NewDelivery(queue, msg,
				func() error {
					release()
					return nil
				},
				func(requeue bool) error {
					defer release()
					if !requeue {
						return nil
					}
					c := b.pool.Get()
					defer c.Close()
					_, err := c.Do("RPUSH", queue, raw)
					return err
				})
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Reject(true)
				return
			}
		}
	}()
	return out, nil
}
