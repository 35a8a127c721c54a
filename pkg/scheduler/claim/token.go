package claim

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewToken builds a lock token for a worker process. The nanosecond
// timestamp makes tokens from the same process distinguishable across
// batches, and the process id makes concurrent tokens distinct. The
// claim time stays parseable so the reaper can age orphaned locks.
func NewToken(processID int64) string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), processID)
}

// TokenTime extracts the claim time embedded in a token.
func TokenTime(token string) (time.Time, error) {
	raw, _, ok := strings.Cut(token, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed lock token %q", token)
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed lock token %q: %w", token, err)
	}

	return time.Unix(0, nanos), nil
}

// TokenProcess extracts the worker process id embedded in a token.
func TokenProcess(token string) (int64, error) {
	_, raw, ok := strings.Cut(token, "-")
	if !ok {
		return 0, fmt.Errorf("malformed lock token %q", token)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed lock token %q: %w", token, err)
	}

	return id, nil
}
