package domain

import (
	"errors"
	"fmt"
	"time"
)

// Caller errors. Returned synchronously, never retried by the tracker.
var (
	ErrAlreadyActive     = errors.New("series already active for this queue")
	ErrInvalidTransition = errors.New("invalid series status transition")
	ErrPlayerNotOnTeam   = errors.New("player is not on the given team")
	ErrNotFound          = errors.New("series not found")
)

// CooldownActiveError reports how long a caller must wait before the next
// manual refresh is accepted.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("refresh on cooldown, retry in %s", e.Remaining.Round(time.Second))
}

func IsCooldownActive(err error) (*CooldownActiveError, bool) {
	var ce *CooldownActiveError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
