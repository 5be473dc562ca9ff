// Package mq publishes heartbeat events to RabbitMQ for downstream
// dashboards. The client maintains its connection in the background and
// reconnects after broker or channel failures; Push blocks until the broker
// confirms the event or the attempts run out.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"greenhouse.dev/pulse/pkg/metrics"
)

const (
	// Delay before redialing a dropped connection.
	reconnectDelay = 5 * time.Second

	// Delay before reopening a channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Push retry backoff bounds.
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2

	// Push attempts before giving up. Event publishing is best-effort; the
	// heartbeat path logs the error and moves on.
	maxPushAttempts = 5
)

var (
	errNotConnected  = errors.New("not connected to the broker")
	errAlreadyClosed = errors.New("already closed: not connected to the broker")
	errShutdown      = errors.New("client is shutting down")
	errPushExhausted = errors.New("gave up pushing after repeated failures")
)

// Client is a reconnecting RabbitMQ client bound to a single event queue.
type Client struct {
	mu              sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	ready           bool
	metrics         *metrics.MQMetrics
}

// New creates a client for the named queue and starts connecting to addr in
// the background. Push waits with backoff until the connection is up.
func New(queueName, addr string, logger *slog.Logger) *Client {
	c := &Client{
		logger:    logger,
		queueName: queueName,
		done:      make(chan bool),
	}
	go c.handleReconnect(addr)
	return c
}

// SetMetrics attaches a metrics collector. Call before the first Push.
func (c *Client) SetMetrics(m *metrics.MQMetrics) {
	c.metrics = m
}

// handleReconnect dials the broker and, whenever the connection drops,
// keeps redialing until Close.
func (c *Client) handleReconnect(addr string) {
	for {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()

		c.logger.Info("connecting to broker")
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}

		conn, err := c.connect(addr)
		if err != nil {
			c.logger.Error("broker connection failed, retrying", "error", err)
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := c.handleReInit(conn); done {
			break
		}
	}
}

func (c *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	c.changeConnection(conn)
	c.logger.Info("connected to broker")
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
	}
	return conn, nil
}

// handleReInit opens the channel and re-opens it after channel exceptions.
// Returns true when the client is shutting down.
func (c *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()

		if err := c.init(conn); err != nil {
			c.logger.Error("channel init failed, retrying", "error", err)
			select {
			case <-c.done:
				return true
			case <-c.notifyConnClose:
				c.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-c.done:
			return true
		case <-c.notifyConnClose:
			c.logger.Info("connection closed, reconnecting")
			return false
		case <-c.notifyChanClose:
			c.logger.Info("channel closed, reopening")
		}
	}
}

// init opens a confirm-mode channel and declares the event queue. The queue
// feeds live dashboards, so it is deliberately transient.
func (c *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		c.queueName,
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return err
	}

	c.changeChannel(ch)
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.logger.Info("broker client ready", "queue", c.queueName)

	return nil
}

func (c *Client) changeConnection(connection *amqp.Connection) {
	c.connection = connection
	c.notifyConnClose = make(chan *amqp.Error, 1)
	c.connection.NotifyClose(c.notifyConnClose)
}

func (c *Client) changeChannel(channel *amqp.Channel) {
	c.channel = channel
	c.notifyChanClose = make(chan *amqp.Error, 1)
	c.notifyConfirm = make(chan amqp.Confirmation, 1)
	c.channel.NotifyClose(c.notifyChanClose)
	c.channel.NotifyPublish(c.notifyConfirm)
}

// Push publishes one event and waits for the broker's confirmation, retrying
// with exponential backoff while the connection is down or the broker nacks.
// After maxPushAttempts failed attempts the error is returned to the caller.
func (c *Client) Push(ctx context.Context, data []byte) error {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.PushDuration.WithLabelValues(c.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxPushAttempts {
			c.logger.Error("giving up on event push", "attempts", attempt)
			c.countPushFailure("attempts_exhausted")
			return errPushExhausted
		}

		c.mu.Lock()
		ready := c.ready
		c.mu.Unlock()

		if !ready {
			c.logger.Info("not connected, waiting before retry",
				"backoff", backoff, "attempt", attempt)
			if err := c.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := c.UnsafePush(ctx, data); err != nil {
			c.logger.Error("event push failed, retrying",
				"error", err, "backoff", backoff, "attempt", attempt)
			if err := c.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		select {
		case <-ctx.Done():
			c.countPushFailure("context_canceled")
			return ctx.Err()
		case confirm := <-c.notifyConfirm:
			if confirm.Ack {
				if c.metrics != nil {
					c.metrics.MessagesPushed.WithLabelValues(c.queueName).Inc()
				}
				c.logger.Info("event push confirmed",
					"delivery_tag", confirm.DeliveryTag, "attempt", attempt)
				return nil
			}
			c.logger.Warn("event push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag, "backoff", backoff)
			if err := c.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// UnsafePush publishes without waiting for confirmation. Events are JSON
// documents, so the content type is fixed.
func (c *Client) UnsafePush(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return errNotConnected
	}
	c.mu.Unlock()

	return c.channel.PublishWithContext(
		ctx,
		"",          // default exchange
		c.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
}

// Consume delivers queued events on a channel. Callers must Ack every
// delivery they have processed, or Nack it, or the broker stops sending.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	c.mu.Unlock()

	if err := c.channel.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return c.channel.Consume(
		c.queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
}

// Close cleanly shuts down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return errAlreadyClosed
	}
	close(c.done)
	if err := c.channel.Close(); err != nil {
		return err
	}
	if err := c.connection.Close(); err != nil {
		return err
	}

	c.ready = false
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	return nil
}

// wait sleeps for d unless the context is canceled or the client shuts down.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errShutdown
	case <-time.After(d):
		return nil
	}
}

func (c *Client) countPushFailure(reason string) {
	if c.metrics != nil {
		c.metrics.PushFailures.WithLabelValues(c.queueName, reason).Inc()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= backoffMultiplier
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
