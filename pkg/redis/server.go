package redis

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// New builds the shared client carrying the strategy cache, worker
// state, command queue and leader lock. The configured prefix doubles as
// the client name so instances are tellable apart in CLIENT LIST.
func New(config *Config) (*redis.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	addr := strings.TrimPrefix(config.Address, "redis://")

	return redis.NewClient(&redis.Options{
		Addr:       addr,
		DB:         config.DB,
		ClientName: config.Prefix,
	}), nil
}
