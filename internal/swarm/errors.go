package swarm

import (
	"errors"
	"fmt"
)

// Error is a failed batch entry as reported by a storage node.
type Error struct {
	Code int
	Body string
}

func (e *Error) Error() string {
	return fmt.Sprintf("swarm request failed: code=%d body=%q", e.Code, e.Body)
}

// IsServerError reports whether the node itself failed.
func (e *Error) IsServerError() bool {
	return e.Code >= 500
}

// IsNodeNotInSwarm reports whether the node claims to no longer be a
// member of the account's swarm.
func (e *Error) IsNodeNotInSwarm() bool {
	return e.Code == 421
}

// IsBadNodeError reports whether any error in err's chain indicates
// the contacted node is unusable and should be dropped from the cached
// swarm node set.
func IsBadNodeError(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.IsServerError() || se.IsNodeNotInSwarm()
	}
	return false
}
