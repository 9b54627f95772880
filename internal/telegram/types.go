package telegram

import (
	"fmt"
	"time"
)

// Channel represents a resolved telegram channel.
type Channel struct {
	ID         int64  // channel id
	AccessHash int64  // access hash for api calls
	Username   string // channel username (without @), empty for id-only channels
	Title      string // channel title
}

// Key returns the identifier used for local storage and checkpoints.
// Prefers the username; falls back to the numeric id.
func (c *Channel) Key() string {
	if c.Username != "" {
		return c.Username
	}
	return fmt.Sprintf("%d", c.ID)
}

// FloodWaitError is the distinguishable rate-limit signal: the server asked
// us to back off for Wait before retrying.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram flood wait: %s", e.Wait)
}
