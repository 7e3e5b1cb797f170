package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Belladihno/email-service/internal/domain"
)

// Publisher writes messages to the notification exchange and the failed
// queue side channel.
type Publisher struct {
	client *RabbitMQ
}

func NewPublisher(client *RabbitMQ) *Publisher {
	return &Publisher{client: client}
}

// Publish routes msg through the notification exchange.
func (p *Publisher) Publish(ctx context.Context, msg domain.NotificationMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid notification message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     msg.RequestID,
		CorrelationId: msg.RequestID,
		Body:          payload,
	}

	t := p.client.topology
	if err := ch.PublishWithContext(ctx, t.Exchange, t.RoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishFailed parks the raw message body on the failed queue for
// operator inspection and manual requeue. The failure reason travels in
// a header so the original payload stays byte-identical.
func (p *Publisher) PublishFailed(ctx context.Context, body []byte, reason string) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"x-failure-reason": reason,
		},
		Body: body,
	}

	t := p.client.topology
	if err := ch.PublishWithContext(ctx, "", t.FailedQueue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to failed queue: %w", err)
	}
	return nil
}
