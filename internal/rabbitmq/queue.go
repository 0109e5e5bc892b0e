package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	mu       sync.Mutex
	declared map[string]bool
}

func NewRabbitMQClient(ctx context.Context, amqpURL string, queueNames []string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		err2 := conn.Close()
		if err2 != nil {
			slog.ErrorContext(ctx, "error occurred while closing connection", "error", err2.Error())
		}

		return nil, err
	}

	client := &RabbitMQClient{
		conn:     conn,
		channel:  ch,
		declared: map[string]bool{},
	}
	for _, queueName := range queueNames {
		if err := client.declare(queueName); err != nil {
			slog.ErrorContext(ctx, "Error while declaring queue", "queue_name", queueName, "error", err.Error())
			client.closeQuietly()
			return nil, err
		}
	}

	return client, nil
}

// PublishMessage sends a persistent JSON message to queueName, declaring the queue on first use
func (c *RabbitMQClient) PublishMessage(ctx context.Context, queueName string, body []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.declare(queueName); err != nil {
		return err
	}

	return c.channel.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (c *RabbitMQClient) Close() error {
	err := c.channel.Close()
	if err != nil {
		return err
	}

	err = c.conn.Close()
	return err
}

func (c *RabbitMQClient) IsHealthy() bool {
	if c.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := c.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		err = ch.Close()
		if err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

func (c *RabbitMQClient) declare(queueName string) error {
	if c.declared[queueName] {
		return nil
	}

	_, err := c.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return err
	}

	c.declared[queueName] = true
	return nil
}

func (c *RabbitMQClient) closeQuietly() {
	if err := c.channel.Close(); err != nil {
		slog.Error("error occurred while closing channel", "error", err.Error())
	}
	if err := c.conn.Close(); err != nil {
		slog.Error("error occurred while closing connection", "error", err.Error())
	}
}
