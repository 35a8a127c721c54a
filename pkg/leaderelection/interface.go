// Package leaderelection elects a single scheduler instance to run the
// singleton background jobs: the lock reaper and the archive sweeper.
// Every instance claims and releases work through the data store's own
// atomicity, so leadership is an efficiency concern, not a correctness
// one.
package leaderelection

import (
	"context"
	"time"
)

// Callback is invoked synchronously on leadership changes. Keep it fast;
// long work belongs in a goroutine spawned by the callback.
type Callback func(ctx context.Context, isLeader bool)

// Elector is the leader election capability.
type Elector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsLeader() bool
	// OnLeadershipChange registers a callback invoked on every gain or
	// loss, in registration order.
	OnLeadershipChange(callback Callback)
	// LeaderID returns the current leader's node id.
	LeaderID(ctx context.Context) (string, error)
}

// Config holds election timing.
type Config struct {
	// TTL is the leader lock lifetime.
	TTL time.Duration `yaml:"ttl" default:"10s"`
	// RenewalInterval is how often the leader extends its lock. Must be
	// well under TTL.
	RenewalInterval time.Duration `yaml:"renewalInterval" default:"3s"`
	// NodeID identifies this instance. Generated when empty.
	NodeID string `yaml:"nodeId"`
}

// DefaultConfig returns the standard election timing.
func DefaultConfig() *Config {
	return &Config{
		TTL:             10 * time.Second,
		RenewalInterval: 3 * time.Second,
	}
}
