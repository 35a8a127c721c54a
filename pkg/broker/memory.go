package broker

import (
	"context"
	"path"
	"sync"
)

type subscription struct {
	topics  []string
	handler Handler
	ctx     context.Context
}

// Memory implements Broker in-process. Topic matching supports the same
// "*" segment wildcards amqp topic bindings do. Delivery is synchronous
// inside Publish, which keeps test ordering deterministic.
type Memory struct {
	mu   sync.RWMutex
	subs []*subscription
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	m.mu.RLock()
	subs := make([]*subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}

		for _, pattern := range sub.topics {
			if topicMatches(pattern, topic) {
				_ = sub.handler(ctx, Message{Topic: topic, Body: body})

				break
			}
		}
	}

	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topics []string, _ SubscribeOptions, handler Handler) error {
	m.mu.Lock()
	m.subs = append(m.subs, &subscription{topics: topics, handler: handler, ctx: ctx})
	m.mu.Unlock()

	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.subs = nil
	m.mu.Unlock()

	return nil
}

func topicMatches(pattern, topic string) bool {
	// path.Match treats "*" as a single-segment wildcard once dots are
	// mapped to slashes, matching amqp binding semantics closely enough
	// for in-process use.
	ok, err := path.Match(dotsToSlashes(pattern), dotsToSlashes(topic))

	return err == nil && ok
}

func dotsToSlashes(s string) string {
	out := make([]byte, len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = s[i]
		}
	}

	return string(out)
}
