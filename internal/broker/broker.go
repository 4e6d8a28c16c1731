// Package broker moves queued jobs through RabbitMQ. One durable priority
// queue carries every job type; metadata rides in message headers so the
// consumer can rebuild the job without touching the body, and the body
// itself is the msgpack-wrapped request payload.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ehrlich-b/smi/internal/job"
)

const (
	Exchange = "smi"
	Queue    = "smi-requests"

	// MaxPriority is the queue's x-max-priority; job.Priority levels map
	// into this range.
	MaxPriority = 10

	dialRetryDelay = 5 * time.Second
	dialMaxRetries = 20
)

// ErrBrokerUnavailable is returned when the broker cannot be reached after
// exhausting the dial retries.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Broker holds one connection and channel to the message broker. The mutex
// serializes publishes and consumer setup; a dead connection is redialed in
// place, so one Broker value survives a broker restart.
type Broker struct {
	url  string
	dial func(url string) (*amqp.Connection, error)
	log  *slog.Logger

	retryDelay time.Duration
	maxRetries int

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// Connect dials the broker, retrying on a fixed delay until the context is
// cancelled or the retry budget runs out, then declares the topology.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		url:        url,
		dial:       amqp.Dial,
		log:        log,
		retryDelay: dialRetryDelay,
		maxRetries: dialMaxRetries,
	}
	if err := b.redial(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// connect performs one dial attempt: connection, channel, topology.
// Caller holds mu.
func (b *Broker) connect() error {
	conn, err := b.dial(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	b.conn, b.ch = conn, ch
	if err := b.declare(); err != nil {
		conn.Close()
		b.conn, b.ch = nil, nil
		return err
	}
	return nil
}

// redial replaces a dead connection, retrying on a fixed delay within the
// retry budget. Caller holds mu (or owns the Broker exclusively).
func (b *Broker) redial(ctx context.Context) error {
	if b.conn != nil {
		b.conn.Close()
		b.conn, b.ch = nil, nil
	}

	var err error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if err = b.connect(); err == nil {
			return nil
		}
		if attempt == b.maxRetries {
			break
		}
		b.log.Warn("broker dial failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrBrokerUnavailable, b.maxRetries, err)
}

// ensure redials when the connection is gone. Caller holds mu.
func (b *Broker) ensure(ctx context.Context) error {
	if b.closed {
		return ErrBrokerUnavailable
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	b.log.Warn("broker connection lost, redialing")
	return b.redial(ctx)
}

// declare sets up the exchange, queue, and binding. All declarations are
// idempotent so every process can run them at startup.
func (b *Broker) declare() error {
	if err := b.ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	_, err := b.ch.QueueDeclare(Queue, true, false, false, false, amqp.Table{
		"x-max-priority": int32(MaxPriority),
	})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	// One binding per job type; the routing key is the type string.
	for _, t := range job.Types {
		if err := b.ch.QueueBind(Queue, string(t), Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue for %s: %w", t, err)
		}
	}
	return nil
}

// Publish enqueues a job at the given priority. The message survives a
// broker restart; delivery order within a priority level is FIFO. A publish
// on a dead connection redials within the retry budget before failing.
func (b *Broker) Publish(ctx context.Context, j *job.Job, priority job.Priority) error {
	pub, err := publishing(j, priority)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensure(ctx); err != nil {
		return err
	}
	if err := b.ch.PublishWithContext(ctx, Exchange, string(j.Type), false, false, pub); err != nil {
		// The channel died under us; one redial, one retry.
		if rerr := b.redial(ctx); rerr != nil {
			return rerr
		}
		if err := b.ch.PublishWithContext(ctx, Exchange, string(j.Type), false, false, pub); err != nil {
			return fmt.Errorf("publish job %s: %w", j.ID, err)
		}
	}
	b.log.Debug("job published", "job_id", j.ID, "type", j.Type, "priority", priority)
	return nil
}

// publishing builds the wire message for a job.
func publishing(j *job.Job, priority job.Priority) (amqp.Publishing, error) {
	body, err := msgpack.Marshal([]byte(j.Payload))
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode payload: %w", err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/msgpack",
		Priority:     priority.Level(),
		Headers:      j.Headers(),
		Body:         body,
	}, nil
}

// Consume returns a delivery stream with manual acknowledgement. Prefetch
// is one so a slow job never starves a second consumer. A dead connection
// is redialed first, so the consumer supervisor recovers from a broker
// restart by calling Consume again.
func (b *Broker) Consume() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensure(context.Background()); err != nil {
		return nil, err
	}
	if err := b.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// Decode rebuilds a job from a delivery's headers and body.
func Decode(d *amqp.Delivery) (*job.Job, error) {
	var payload []byte
	if err := msgpack.Unmarshal(d.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return job.FromHeaders(d.Headers, payload)
}

// Close tears down the channel and connection; further use returns
// ErrBrokerUnavailable instead of redialing.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
