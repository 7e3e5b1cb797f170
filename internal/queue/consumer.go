package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/observability"
)

// Handler processes one decoded message. A nil return acks the delivery;
// an error routes it to the failed queue.
type Handler func(ctx context.Context, msg domain.NotificationMessage) error

// FailedPublisher parks unprocessable messages for operator inspection.
type FailedPublisher interface {
	PublishFailed(ctx context.Context, body []byte, reason string) error
}

// TaskRunner bounds processing concurrency. Deliveries run on it so
// broker prefetch and worker count limit in-flight work together.
type TaskRunner interface {
	Submit(ctx context.Context, task func(context.Context)) error
}

// Consumer pulls deliveries off the email queue and runs them through
// the handler on the shared pool.
//
// Acknowledgement contract: ack only after the handler returns nil. A
// handler error or panic nacks without requeue after parking a copy on
// the failed queue, so a poison message can never loop forever.
type Consumer struct {
	client   *RabbitMQ
	prefetch int
	pool     TaskRunner
	failed   FailedPublisher
	handler  Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewConsumer(client *RabbitMQ, prefetch int, pool TaskRunner, failed FailedPublisher, handler Handler, logger *slog.Logger) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:   client,
		prefetch: prefetch,
		pool:     pool,
		failed:   failed,
		handler:  handler,
		logger:   logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Consume blocks until ctx is cancelled, reconnecting with backoff when
// the broker connection drops.
func (c *Consumer) Consume(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if c.handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}
		c.logger.Warn("consume loop interrupted, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.client.topology.Queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", c.client.topology.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg domain.NotificationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Warn("rejecting unparseable message",
			"error", err,
			"routing_key", d.RoutingKey,
		)
		if c.metrics != nil {
			c.metrics.MalformedMessages.Inc()
		}
		c.parkFailed(ctx, d.Body, fmt.Sprintf("invalid json: %v", err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			c.logger.Error("failed to reject message", "error", rejectErr)
		}
		return
	}

	err := c.pool.Submit(ctx, func(taskCtx context.Context) {
		c.process(taskCtx, d, msg)
	})
	if err != nil {
		// Shutdown race: requeue so another instance picks it up.
		c.logger.Warn("could not submit delivery, requeueing", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to requeue message", "error", nackErr)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery, msg domain.NotificationMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while processing message",
				"panic", r,
				"request_id", msg.RequestID,
			)
			c.parkFailed(ctx, d.Body, fmt.Sprintf("panic: %v", r))
			if err := d.Nack(false, false); err != nil {
				c.logger.Error("failed to nack after panic", "error", err)
			}
		}
	}()

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message processing failed",
			"error", err,
			"request_id", msg.RequestID,
		)
		c.parkFailed(ctx, d.Body, err.Error())
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message",
			"error", err,
			"request_id", msg.RequestID,
		)
	}
}

func (c *Consumer) parkFailed(ctx context.Context, body []byte, reason string) {
	if c.failed == nil {
		return
	}
	if err := c.failed.PublishFailed(ctx, body, reason); err != nil {
		c.logger.Error("failed to park message on failed queue", "error", err)
	}
}
