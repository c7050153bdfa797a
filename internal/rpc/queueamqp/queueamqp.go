// Package queueamqp notifies the worker of newly dispatchable operations
// over RabbitMQ, so the queuepg-backed match loop doesn't have to rely
// on polling alone. It mirrors the corpus's consume-with-backoff loop.
package queueamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Consumer consumes "operation.created" notifications and invokes
// onNotify for each one, reconnecting with exponential backoff and
// jitter whenever the connection drops.
type Consumer struct {
	connectionString string
	queueName        string
}

func NewConsumer(connectionString, queueName string) *Consumer {
	return &Consumer{connectionString: connectionString, queueName: queueName}
}

// Run blocks, consuming notifications and calling onNotify for each,
// until ctx is canceled. Connection failures are retried with backoff.
// Each delivery is acknowledged once onNotify returns; onNotify has no
// error result (the operation itself is still discoverable by queuepg's
// polling fallback).
func (c *Consumer) Run(ctx context.Context, onNotify func(ctx context.Context)) error {
	retries := 0
	for {
		err := c.consumeOnce(ctx, onNotify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("rpc/queueamqp: didn't consume", "error", err, "retries", retries)

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, onNotify func(ctx context.Context)) error {
	conn, err := amqp091.Dial(c.connectionString)
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}

	messages, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return errors.New("rpc/queueamqp: delivery channel closed")
			}
			onNotify(ctx)
			_ = m.Ack(false)
		}
	}
}

// retryWaitDuration is exponential backoff with jitter: it grows with
// each retry and stops growing after the thirteenth, where it's chosen
// from the interval (32.4s, 97.3s). The first retry number is 0.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	duration := second / 2
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}

// Publisher publishes an "operation.created" notification; it's the
// producer-side counterpart used by whatever inserts rows into queuepg,
// not by the worker itself, but lives alongside Consumer since they
// share the queue declaration.
type Publisher struct {
	connectionString string
	queueName        string
}

func NewPublisher(connectionString, queueName string) *Publisher {
	return &Publisher{connectionString: connectionString, queueName: queueName}
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	conn, err := amqp091.Dial(p.connectionString)
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rpc/queueamqp: %w", err)
	}

	return ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp091.Publishing{Body: body})
}
