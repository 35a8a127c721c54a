package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFlush struct {
	mu      sync.Mutex
	batches [][]Row
	err     error
}

func (r *recordingFlush) flush(_ context.Context, rows []Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, rows)

	return r.err
}

func (r *recordingFlush) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, b := range r.batches {
		n += len(b)
	}

	return n
}

func makeRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{TenantID: 7, RowID: int64(i + 1), Status: "done"}
	}

	return rows
}

func TestBuffer_SizeTriggeredFlush(t *testing.T) {
	ctx := context.Background()
	sink := &recordingFlush{}

	buffer := NewBuffer(logrus.New(), "t", 3, time.Hour, sink.flush)
	require.NoError(t, buffer.Start(ctx))

	defer buffer.Stop(ctx)

	// Hitting maxRows flushes without waiting for the timer.
	require.NoError(t, buffer.Submit(ctx, makeRows(3)))
	assert.Equal(t, 3, sink.total())
	assert.Zero(t, buffer.Len())
}

func TestBuffer_TimerTriggeredFlush(t *testing.T) {
	ctx := context.Background()
	sink := &recordingFlush{}

	buffer := NewBuffer(logrus.New(), "t", 1000, 20*time.Millisecond, sink.flush)
	require.NoError(t, buffer.Start(ctx))

	defer buffer.Stop(ctx)

	require.NoError(t, buffer.Submit(ctx, makeRows(2)))
	assert.Equal(t, 2, sink.total())
}

func TestBuffer_StopFlushesRemainder(t *testing.T) {
	ctx := context.Background()
	sink := &recordingFlush{}

	buffer := NewBuffer(logrus.New(), "t", 1000, time.Hour, sink.flush)
	require.NoError(t, buffer.Start(ctx))

	done := make(chan error, 1)

	go func() {
		done <- buffer.Submit(ctx, makeRows(2))
	}()

	// Give the submitter time to enqueue before stopping.
	require.Eventually(t, func() bool { return buffer.Len() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, buffer.Stop(ctx))
	assert.Equal(t, 2, sink.total())

	require.NoError(t, <-done)
}

func TestBuffer_FlushErrorReachesSubmitter(t *testing.T) {
	ctx := context.Background()
	sink := &recordingFlush{err: errors.New("sink down")}

	buffer := NewBuffer(logrus.New(), "t", 2, time.Hour, sink.flush)
	require.NoError(t, buffer.Start(ctx))

	defer buffer.Stop(ctx)

	err := buffer.Submit(ctx, makeRows(2))
	assert.ErrorContains(t, err, "sink down")
}

func TestBuffer_SubmitBeforeStart(t *testing.T) {
	buffer := NewBuffer(logrus.New(), "t", 10, time.Hour, (&recordingFlush{}).flush)

	assert.Error(t, buffer.Submit(context.Background(), makeRows(1)))
}

func TestBuffer_EmptySubmitIsNoop(t *testing.T) {
	buffer := NewBuffer(logrus.New(), "t", 10, time.Hour, (&recordingFlush{}).flush)

	assert.NoError(t, buffer.Submit(context.Background(), nil))
}
