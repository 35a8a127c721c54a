package tenant

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/strategy"
)

func memoryConfig(tenantID int64) *strategy.ResolvedConfig {
	return &strategy.ResolvedConfig{
		TenantID: tenantID,
		Values: map[string]string{
			KeyDBType:    "memory",
			KeyDBConn:    "local",
			KeyCacheType: "memory",
			KeyCacheConn: "local",
			KeyMBType:    "memory",
			KeyMBConn:    "local",
		},
	}
}

func TestOpen_AllHandles(t *testing.T) {
	ctx := context.Background()

	p, err := Open(ctx, logrus.New(), memoryConfig(7))
	require.NoError(t, err)

	defer p.Close(ctx)

	assert.NotNil(t, p.Store)
	assert.NotNil(t, p.Cache)
	assert.NotNil(t, p.Broker)
	assert.Equal(t, int64(7), p.TenantID)
}

func TestOpen_MissingKeyIsFatal(t *testing.T) {
	resolved := memoryConfig(7)
	delete(resolved.Values, KeyMBConn)

	_, err := Open(context.Background(), logrus.New(), resolved)
	assert.ErrorIs(t, err, ErrIncompleteConfig)
}

func TestOpen_UnknownEngine(t *testing.T) {
	resolved := memoryConfig(7)
	resolved.Values[KeyDBType] = "sqlite"

	_, err := Open(context.Background(), logrus.New(), resolved)
	require.Error(t, err)
}
