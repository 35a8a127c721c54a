package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client, err := New(&Config{Address: "redis://localhost:6379", DB: 2, Prefix: "tp-test"})
	require.NoError(t, err)

	defer client.Close()

	opts := client.Options()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "tp-test", opts.ClientName)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Address: "localhost:6379", DB: -1}).Validate())

	config := &Config{Address: "localhost:6379"}
	require.NoError(t, config.Validate())
	assert.Equal(t, "token-processor", config.Prefix)
}
