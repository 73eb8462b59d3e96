package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// ClassifyError returns the error weight for a failed outbound request.
//
// Weights:
//   - timeout (deadline exceeded) -> 1.5
//   - network errors (non-timeout) -> 1.0
//   - other transport errors -> 1.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	// Timeouts weigh heaviest: they tie up a worker slot for the full
	// command timeout before failing.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused) -> treat as host fault.
	return 1.0
}

// ClassifyStatus returns the error weight for an HTTP status code.
//
// Weights:
//   - 429 (rate limited) -> 0.5
//   - 500-504 -> 1.0
//   - other 4xx -> 0.0 (request fault, not host fault)
func ClassifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}
