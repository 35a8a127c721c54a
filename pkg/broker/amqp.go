package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// Exchange all tenant events flow through. Topic keys are
// "<tenant>.<event>" so subscribers can bind per tenant or per event.
const exchange = "tenant-events"

// Amqp implements Broker for AMQP compliant brokers (ie RabbitMQ).
type Amqp struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAmqp dials the broker and declares the events exchange.
func NewAmqp(uri string) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Amqp{conn: conn}, nil
}

// channel returns the shared publish channel, opening it on first use.
func (a *Amqp) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch != nil {
		return a.ch, nil
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	a.ch = ch

	return ch, nil
}

func (a *Amqp) Publish(_ context.Context, topic string, body []byte) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		Body:        body,
		ContentType: "application/json",
	}

	if err := ch.Publish(exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

func (a *Amqp) Subscribe(ctx context.Context, topics []string, opts SubscribeOptions, handler Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			ch.Close()

			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		ch.Close()

		return fmt.Errorf("failed to declare queue %s: %w", opts.Queue, err)
	}

	for _, topic := range topics {
		if err := ch.QueueBind(opts.Queue, topic, exchange, false, nil); err != nil {
			ch.Close()

			return fmt.Errorf("failed to bind %s to %s: %w", opts.Queue, topic, err)
		}
	}

	deliveries, err := ch.Consume(opts.Queue, "", !opts.AckRequired, false, false, false, nil)
	if err != nil {
		ch.Close()

		return fmt.Errorf("failed to consume %s: %w", opts.Queue, err)
	}

	go func() {
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				err := handler(ctx, Message{Topic: d.RoutingKey, Body: d.Body})

				if opts.AckRequired {
					if err != nil {
						_ = d.Nack(false, true)
					} else {
						_ = d.Ack(false)
					}
				}
			}
		}
	}()

	return nil
}

func (a *Amqp) Close() error {
	a.mu.Lock()

	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}

	a.mu.Unlock()

	return a.conn.Close()
}
