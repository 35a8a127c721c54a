package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	full := Full()

	assert.Contains(t, full, "token-processor/")
	assert.Contains(t, full, Release)
	assert.Contains(t, full, GitCommit)
}
