package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	received := []Message{}

	err := b.Subscribe(ctx, []string{"7.transaction.*"}, SubscribeOptions{}, func(_ context.Context, msg Message) error {
		received = append(received, msg)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "7.transaction.confirmed", []byte(`{"id":1}`)))
	require.NoError(t, b.Publish(ctx, "9.transaction.confirmed", []byte(`{"id":2}`)))

	require.Len(t, received, 1)
	assert.Equal(t, "7.transaction.confirmed", received[0].Topic)
}

func TestMemory_CancelledSubscriberSkipped(t *testing.T) {
	b := NewMemory()

	subCtx, cancel := context.WithCancel(context.Background())

	var calls int

	err := b.Subscribe(subCtx, []string{"*"}, SubscribeOptions{}, func(_ context.Context, _ Message) error {
		calls++

		return nil
	})
	require.NoError(t, err)

	cancel()

	require.NoError(t, b.Publish(context.Background(), "x", nil))
	assert.Zero(t, calls)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"7.transaction.confirmed", "7.transaction.confirmed", true},
		{"7.transaction.*", "7.transaction.failed", true},
		{"*.transaction.*", "9.transaction.confirmed", true},
		{"7.transaction.*", "9.transaction.confirmed", false},
		{"7.*", "7.transaction.confirmed", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	_, err := New("kafka", "")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
