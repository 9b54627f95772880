package models

// RunStatus is the terminal state of a channel run. Every run ends with
// exactly one of these.
type RunStatus string

// Run statuses.
const (
	RunSuccess   RunStatus = "success"
	RunPartial   RunStatus = "partial"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Outcome summarizes a completed or aborted channel run.
type Outcome struct {
	Status       RunStatus `json:"status"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	MediaFetched int       `json:"media_fetched"`
	MediaFailed  int       `json:"media_failed"`
	LastID       int64     `json:"last_id"`
	Err          string    `json:"error,omitempty"`
}
