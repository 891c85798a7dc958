package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"podforge/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
}

// New RabbitMQ client. Declares the exchange and one durable queue per
// pipeline stage.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare and bind one queue per stage
	for _, queueName := range AllQueues() {
		_, err = ch.QueueDeclare(
			queueName, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			nil,       // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
		}

		err = ch.QueueBind(
			queueName,    // queue name
			queueName,    // routing key
			ExchangeName, // exchange
			false,
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
		}
	}

	logger.Info("RabbitMQ connected successfully")

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		url:     url,
	}, nil
}

// Publish publishes a message to the queue
func (r *RabbitMQ) Publish(queueName string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.channel.PublishWithContext(
		ctx,
		ExchangeName, // exchange
		queueName,    // routing key
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

	logger.Debug("Message published to queue",
		zap.String("queue", queueName),
		zap.Int("size", len(body)))

	return nil
}

// PublishJob routes a stage job payload to the stage's queue.
func (r *RabbitMQ) PublishJob(kind StageKind, job interface{}) error {
	queueName, err := kind.QueueName()
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal %s job: %w", kind, err)
	}

	return r.Publish(queueName, body)
}

// Consume starts consuming messages from the queue. Handler errors nack
// and requeue the delivery; handlers are expected to be idempotent.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, handler func([]byte) error) error {
	// Per-consumer channel so QoS and cancellation stay independent
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	err = ch.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
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
				return fmt.Errorf("delivery channel closed for queue %s", queueName)
			}

			logger.Debug("Received message",
				zap.String("queue", queueName),
				zap.Int("size", len(msg.Body)))

			if err := handler(msg.Body); err != nil {
				logger.Error("Failed to handle message",
					zap.String("queue", queueName),
					zap.Error(err))
				// Reject and requeue
				msg.Nack(false, true)
			} else {
				msg.Ack(false)
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
