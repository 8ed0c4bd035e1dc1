package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/imgforge/imgforge/internal/errkind"
)

// prefetch bounds unacknowledged deliveries per consumer.
const prefetch = 10

// Delivery is the opaque handle a consumer uses to settle one message.
// Every delivery must be either Acked or Rejected; there is no auto-ack.
type Delivery interface {
	// Ack confirms durable persistence of the message's effect.
	Ack() error
	// Reject refuses the message. With requeue the broker redelivers it;
	// without, it is dead-lettered or dropped per broker policy.
	Reject(requeue bool) error
	// CorrID returns the propagated correlation id.
	CorrID() string
	// Token returns the bearer token carried out-of-band.
	Token() string
}

// Handler is invoked once per inbound message with the parsed envelope.
type Handler func(ctx context.Context, env Envelope, d Delivery)

// Publisher is the outbound half of the channel.
type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// Consumer is the inbound half of the channel.
type Consumer interface {
	Consume(ctx context.Context, queue string, h Handler) error
}

// Channel is an AMQP-backed message channel. Connect retries with fixed
// backoff up to a bounded attempt count; publish reconnects lazily when the
// cached connection has dropped.
type Channel struct {
	url      string
	name     string // sender identity, also the consumer tag
	queues   []string
	attempts int
	backoff  time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker and declares every queue in queues as durable
// (each with a paired dead-letter queue). Retries with fixed backoff up to
// attempts times; exhausting them is fatal to the owning process — the
// caller is expected to terminate on error.
func Dial(ctx context.Context, url, name string, queues []string, attempts int, backoff time.Duration) (*Channel, error) {
	c := &Channel{
		url:      url,
		name:     name,
		queues:   queues,
		attempts: attempts,
		backoff:  backoff,
	}

	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.connect(); err != nil {
			slog.Warn("broker connect failed, retrying", "name", name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker connect attempts exhausted: %w", err)
	}
	slog.Info("broker connected", "name", name, "queues", queues)
	return c, nil
}

// connect dials, opens a channel, and declares the durable queues.
// Caller holds no lock; connect takes it.
func (c *Channel) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	for _, q := range c.queues {
		dlq := q + "_dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			conn.Close()
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

// channel returns a live AMQP channel, reconnecting once if the cached
// connection has dropped.
func (c *Channel) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return ch, nil
	}
	if err := c.connect(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch, nil
}

// Publish wraps p in the envelope and sends it as a persistent message.
// Never blocks indefinitely: the context bounds the send.
func (c *Channel) Publish(ctx context.Context, p Publication) error {
	body, headers, err := encode(c.name, p)
	if err != nil {
		return errkind.Wrap(errkind.Invalid, err)
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", p.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("publish to %s: %w", p.Queue, err))
	}
	return nil
}

// Consume registers h for messages on queue. Each message is delivered
// exactly once per attempt; h must settle it via the Delivery. Blocks until
// ctx is cancelled or the delivery channel closes.
func (c *Channel) Consume(ctx context.Context, queue string, h Handler) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, c.name, false, false, false, false, nil)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, fmt.Errorf("consume %s: %w", queue, err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errkind.New(errkind.Unavailable, "delivery channel closed")
			}
			env, err := decode(msg.Body)
			if err != nil {
				// Malformed body cannot succeed on redelivery.
				slog.Warn("rejecting undecodable message", "queue", queue, "error", err)
				_ = msg.Nack(false, false)
				continue
			}
			h(ctx, env, &amqpDelivery{msg: msg})
		}
	}
}

// Close shuts the channel and connection down. Both are attempted even if
// the first fails.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.ch != nil {
		err = multierr.Append(err, c.ch.Close())
	}
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
	}
	return err
}

// amqpDelivery adapts amqp.Delivery to the Delivery interface.
type amqpDelivery struct {
	msg amqp.Delivery
}

func (d *amqpDelivery) Ack() error                { return d.msg.Ack(false) }
func (d *amqpDelivery) Reject(requeue bool) error { return d.msg.Nack(false, requeue) }
func (d *amqpDelivery) CorrID() string            { return corrIDFromHeaders(d.msg.Headers) }
func (d *amqpDelivery) Token() string             { return tokenFromHeaders(d.msg.Headers) }
