package leaderelection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
)

// renewScript extends the lock only while we still own it.
const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// releaseScript deletes the lock only while we still own it.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisElector implements Elector with a redis SET NX lock.
type RedisElector struct {
	client  *redis.Client
	log     logrus.FieldLogger
	config  *Config
	nodeID  string
	keyName string

	mu       sync.RWMutex
	isLeader bool
	stopped  bool

	callbacksMu sync.RWMutex
	callbacks   []Callback

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRedisElector creates an elector competing on keyName.
func NewRedisElector(client *redis.Client, log logrus.FieldLogger, keyName string, config *Config) (*RedisElector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	nodeID := config.NodeID
	if nodeID == "" {
		bytes := make([]byte, 16)

		if _, err := rand.Read(bytes); err != nil {
			return nil, fmt.Errorf("failed to generate node ID: %w", err)
		}

		nodeID = hex.EncodeToString(bytes)
	}

	return &RedisElector{
		client:   client,
		log:      log.WithField("component", "leader_election").WithField("node_id", nodeID),
		config:   config,
		nodeID:   nodeID,
		keyName:  keyName,
		stopChan: make(chan struct{}),
	}, nil
}

// NodeID returns this instance's identifier.
func (e *RedisElector) NodeID() string {
	return e.nodeID
}

// Start begins competing for leadership.
func (e *RedisElector) Start(ctx context.Context) error {
	e.log.Info("Starting leader election")

	common.LeaderElectionStatus.WithLabelValues(e.nodeID).Set(0)

	e.wg.Add(1)

	go e.run(ctx)

	return nil
}

// Stop halts the election loop and voluntarily releases a held lock.
func (e *RedisElector) Stop(ctx context.Context) error {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()

		return nil
	}

	e.stopped = true
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	if e.IsLeader() {
		common.LeaderElectionStatus.WithLabelValues(e.nodeID).Set(0)

		if err := e.release(ctx); err != nil {
			e.log.WithError(err).Error("Failed to release leadership on stop")
			common.LeaderElectionErrors.WithLabelValues(e.nodeID, "release").Inc()
		}
	}

	return nil
}

func (e *RedisElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader
}

// LeaderID returns the node id currently holding the lock.
func (e *RedisElector) LeaderID(ctx context.Context) (string, error) {
	val, err := e.client.Get(ctx, e.keyName).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no leader elected")
	}

	if err != nil {
		return "", fmt.Errorf("failed to get leader ID: %w", err)
	}

	return val, nil
}

func (e *RedisElector) OnLeadershipChange(callback Callback) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()

	e.callbacks = append(e.callbacks, callback)
}

func (e *RedisElector) notify(ctx context.Context, isLeader bool) {
	e.callbacksMu.RLock()
	callbacks := make([]Callback, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		callback(ctx, isLeader)
	}
}

func (e *RedisElector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	if e.tryAcquire(ctx) {
		e.notify(ctx, true)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			if e.IsLeader() {
				if !e.renew(ctx) {
					e.handleLoss(ctx)
				}
			} else if e.tryAcquire(ctx) {
				e.notify(ctx, true)
			}
		}
	}
}

func (e *RedisElector) tryAcquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.keyName, e.nodeID, e.config.TTL).Result()
	if err != nil {
		e.log.WithError(err).Error("Failed to acquire leadership")
		common.LeaderElectionErrors.WithLabelValues(e.nodeID, "acquire").Inc()

		return false
	}

	if !ok {
		return false
	}

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()

	common.LeaderElectionStatus.WithLabelValues(e.nodeID).Set(1)
	common.LeaderElectionTransitions.WithLabelValues(e.nodeID, "gained").Inc()

	e.log.Info("Acquired leadership")

	return true
}

func (e *RedisElector) renew(ctx context.Context) bool {
	result, err := e.client.Eval(ctx, renewScript,
		[]string{e.keyName}, e.nodeID, e.config.TTL.Milliseconds()).Result()
	if err != nil {
		e.log.WithError(err).Error("Failed to renew leadership")
		common.LeaderElectionErrors.WithLabelValues(e.nodeID, "renew").Inc()

		return false
	}

	val, ok := result.(int64)
	if !ok || val != 1 {
		e.log.Warn("Leadership lock no longer owned by this node")
		common.LeaderElectionErrors.WithLabelValues(e.nodeID, "renew").Inc()

		return false
	}

	return true
}

func (e *RedisElector) release(ctx context.Context) error {
	result, err := e.client.Eval(ctx, releaseScript, []string{e.keyName}, e.nodeID).Result()
	if err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}

	if val, ok := result.(int64); !ok || val == 0 {
		e.log.Warn("Could not release leadership, lock not owned by this node")
	} else {
		e.log.Info("Released leadership")
	}

	e.mu.Lock()
	e.isLeader = false
	e.mu.Unlock()

	return nil
}

func (e *RedisElector) handleLoss(ctx context.Context) {
	e.mu.Lock()
	e.isLeader = false
	e.mu.Unlock()

	common.LeaderElectionStatus.WithLabelValues(e.nodeID).Set(0)
	common.LeaderElectionTransitions.WithLabelValues(e.nodeID, "lost").Inc()

	e.log.Info("Lost leadership")

	e.notify(ctx, false)
}
