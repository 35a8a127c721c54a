package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TaskTypeCommand is the asynq task type carrying control commands.
const TaskTypeCommand = "scheduler:command"

// NewTask wraps a control message in an asynq task.
func NewTask(msg *Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	return asynq.NewTask(TaskTypeCommand, payload), nil
}

// HandlerFunc adapts the processor to an asynq handler. It always
// returns nil: a Nack is logged, not retried, because an out-of-sequence
// command will never become valid by redelivery.
func HandlerFunc(p *Processor) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var msg Message

		if err := json.Unmarshal(task.Payload(), &msg); err != nil {
			p.log.WithError(err).Warn("Dropping malformed command payload")

			return nil
		}

		if disposition := p.Handle(ctx, &msg); disposition == Nack {
			p.log.WithField("kind", msg.Kind).Debug("Command nacked")
		}

		return nil
	}
}

// Dispatcher enqueues control commands for the scheduler's asynq server.
type Dispatcher struct {
	log    logrus.FieldLogger
	client *asynq.Client
	queue  string
}

func NewDispatcher(log logrus.FieldLogger, client *asynq.Client, queue string) *Dispatcher {
	return &Dispatcher{
		log:    log.WithField("component", "command_dispatcher"),
		client: client,
		queue:  queue,
	}
}

// Dispatch enqueues one command.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	task, err := NewTask(msg)
	if err != nil {
		return err
	}

	info, err := d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue))
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"kind":    msg.Kind,
		"tenant":  msg.TenantID,
		"process": msg.ProcessID,
		"task_id": info.ID,
	}).Debug("Dispatched command")

	return nil
}
