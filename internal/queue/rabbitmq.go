package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voxpipe/pkg/logger"
	"voxpipe/pkg/resilience"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	QueueTranscriptionRequests = "transcription_requests"
	QueueConversationEvents    = "conversation_events"
	ExchangeName               = "voxpipe"
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQ connects and declares the exchange, the request queue and the
// event queue with their bindings.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	var conn *amqp.Connection
	err := resilience.RetryWithExponentialBackoff(context.Background(), resilience.DefaultRetryConfig(), func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("RabbitMQ connected successfully")

	return &RabbitMQ{conn: conn, channel: ch}, nil
}

func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	bindings := map[string][]string{
		QueueTranscriptionRequests: {QueueTranscriptionRequests},
		QueueConversationEvents:    {EventConversationCompleted, EventConversationFailed},
	}
	for queue, keys := range bindings {
		_, err := ch.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		for _, key := range keys {
			if err := ch.QueueBind(queue, key, ExchangeName, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s: %w", queue, key, err)
			}
		}
	}
	return nil
}

// Publish publishes a message with the given routing key
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.channel.PublishWithContext(
		ctx,
		ExchangeName, // exchange
		routingKey,   // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Debug("Message published",
		zap.String("routing_key", routingKey),
		zap.Int("size", len(body)))

	return nil
}

// PublishEvent publishes a conversation event under its type
func (r *RabbitMQ) PublishEvent(ctx context.Context, event *ConversationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.Publish(ctx, event.Type, body)
}

// PublishRequest enqueues an on-demand processing request
func (r *RabbitMQ) PublishRequest(ctx context.Context, req *ProcessRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return r.Publish(ctx, QueueTranscriptionRequests, body)
}

// Consume delivers messages to handler until ctx is cancelled or the channel
// closes. Handler errors requeue the message unless they wrap ErrReject.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, handler func(context.Context, []byte) error) error {
	err := r.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.channel.ConsumeWithContext(
		ctx,
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("Starting to consume messages", zap.String("queue", queueName))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			logger.Debug("Received message", zap.Int("size", len(msg.Body)))

			err := handler(ctx, msg.Body)
			switch {
			case err == nil:
				msg.Ack(false)
			case errors.Is(err, ErrReject):
				logger.Warn("Rejecting message", zap.Error(err))
				msg.Nack(false, false)
			default:
				logger.Error("Failed to handle message", zap.Error(err))
				msg.Nack(false, true)
			}
		}
	}
}

// Close RabbitMQ connection
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
