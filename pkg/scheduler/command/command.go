// Package command consumes control messages that steer worker loops
// between batches: hold, resume, drain, drain-complete. State is kept in
// the cache so it survives process restarts and is visible to every
// scheduler instance.
package command

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/common"
)

// Command kinds.
const (
	KindHoldWorker            = "holdWorker"
	KindResume                = "resume"
	KindExTransactionsStopped = "exTransactionsStopped"
	KindExTransactionsDone    = "exTransactionsDone"
)

// Worker states. idle is terminal until the process is re-associated.
const (
	StateRunning  = "running"
	StateHeld     = "held"
	StateDraining = "draining"
	StateIdle     = "idle"
)

// Disposition is the outcome of handling one message. The processor
// never raises to its caller; redelivery policy belongs to the broker.
type Disposition int

const (
	Ack Disposition = iota
	Nack
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}

	return "nack"
}

// Message is one control command addressed to a tenant-worker pair.
type Message struct {
	Kind      string `json:"kind"`
	TenantID  int64  `json:"tenant_id"`
	ProcessID int64  `json:"process_id"`
	Payload   string `json:"payload,omitempty"`
}

// transitions maps (state, kind) to the next state. Anything absent is
// an invalid command for that state.
var transitions = map[string]map[string]string{
	StateRunning: {
		KindHoldWorker:            StateHeld,
		KindExTransactionsStopped: StateDraining,
	},
	StateHeld: {
		KindResume:                StateRunning,
		KindExTransactionsStopped: StateDraining,
	},
	StateDraining: {
		KindExTransactionsDone: StateIdle,
	},
}

// Processor applies control messages to per-pair worker state.
type Processor struct {
	log   logrus.FieldLogger
	cache cache.Cache
}

func NewProcessor(log logrus.FieldLogger, c cache.Cache) *Processor {
	return &Processor{
		log:   log.WithField("component", "command_processor"),
		cache: c,
	}
}

func stateKey(tenantID, processID int64) string {
	return fmt.Sprintf("worker-state:%d:%d", tenantID, processID)
}

// State reports the current state for a pair. An absent entry means the
// worker has never been steered and is running.
func (p *Processor) State(ctx context.Context, tenantID, processID int64) (string, error) {
	state, err := p.cache.Get(ctx, stateKey(tenantID, processID))
	if err != nil {
		if err == cache.ErrMiss {
			return StateRunning, nil
		}

		return "", fmt.Errorf("failed to read worker state: %w", err)
	}

	return state, nil
}

// SetState writes a pair's state directly. The scheduler uses this to
// reset an idle worker to running on re-association.
func (p *Processor) SetState(ctx context.Context, tenantID, processID int64, state string) error {
	if err := p.cache.Set(ctx, stateKey(tenantID, processID), state, 0); err != nil {
		return fmt.Errorf("failed to write worker state: %w", err)
	}

	common.WorkerState.WithLabelValues(
		fmt.Sprintf("%d", tenantID), fmt.Sprintf("%d", processID)).Set(stateGauge(state))

	return nil
}

// Handle applies one message. Malformed or out-of-sequence messages are
// Nacked and logged, never raised.
func (p *Processor) Handle(ctx context.Context, msg *Message) Disposition {
	log := p.log.WithFields(logrus.Fields{
		"kind":    msg.Kind,
		"tenant":  msg.TenantID,
		"process": msg.ProcessID,
	})

	if msg.TenantID <= 0 || msg.ProcessID <= 0 {
		log.Warn("Rejecting command with missing addressing")
		common.CommandsProcessed.WithLabelValues(msg.Kind, "nack").Inc()

		return Nack
	}

	current, err := p.State(ctx, msg.TenantID, msg.ProcessID)
	if err != nil {
		log.WithError(err).Warn("Rejecting command, worker state unreadable")
		common.CommandsProcessed.WithLabelValues(msg.Kind, "nack").Inc()

		return Nack
	}

	next, ok := transitions[current][msg.Kind]
	if !ok {
		log.WithField("state", current).Warn("Rejecting command invalid for current state")
		common.CommandsProcessed.WithLabelValues(msg.Kind, "nack").Inc()

		return Nack
	}

	if err := p.SetState(ctx, msg.TenantID, msg.ProcessID, next); err != nil {
		log.WithError(err).Warn("Rejecting command, worker state unwritable")
		common.CommandsProcessed.WithLabelValues(msg.Kind, "nack").Inc()

		return Nack
	}

	log.WithFields(logrus.Fields{"from": current, "to": next}).Info("Worker state transitioned")
	common.CommandsProcessed.WithLabelValues(msg.Kind, "ack").Inc()

	return Ack
}

// AllowsClaims reports whether a worker in the state may issue new
// claims. Held and draining workers finish their in-flight batch only.
func AllowsClaims(state string) bool {
	return state == StateRunning
}

func stateGauge(state string) float64 {
	switch state {
	case StateRunning:
		return 0
	case StateHeld:
		return 1
	case StateDraining:
		return 2
	case StateIdle:
		return 3
	default:
		return -1
	}
}
