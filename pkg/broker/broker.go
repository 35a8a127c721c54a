// Package broker defines the message-broker surface used for tenant event
// publication, with amqp and in-process engines.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// Engine identifiers accepted by New.
const (
	AMQP   = "amqp"
	MEMORY = "memory"
)

// ErrUnknownEngine is returned by New for an unrecognized engine name.
var ErrUnknownEngine = errors.New("unknown broker engine")

// Message is a delivered broker message.
type Message struct {
	Topic string
	Body  []byte
}

// Handler consumes one message. Returning an error nacks the message;
// redelivery policy belongs to the broker, not the handler.
type Handler func(ctx context.Context, msg Message) error

// SubscribeOptions controls delivery for a subscription.
type SubscribeOptions struct {
	// Queue names the shared queue; subscribers on the same queue split
	// the message stream.
	Queue string
	// AckRequired makes delivery at-least-once: the message is acked only
	// after the handler returns nil.
	AckRequired bool
	// Prefetch bounds unacked in-flight messages per subscriber.
	Prefetch int
}

// Broker is the publish/subscribe capability consumed by worker loops.
type Broker interface {
	Publish(ctx context.Context, topic string, body []byte) error
	// Subscribe consumes topics until ctx is cancelled. The handler runs
	// on the subscription goroutine, one message at a time.
	Subscribe(ctx context.Context, topics []string, opts SubscribeOptions, handler Handler) error
	Close() error
}

// New opens a broker connection for the given engine.
func New(engine, connection string) (Broker, error) {
	switch engine {
	case AMQP:
		return NewAmqp(connection)
	case MEMORY:
		return NewMemory(), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
}
