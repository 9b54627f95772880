package models

// IngestMode selects the traversal strategy for a channel run.
type IngestMode string

// Traversal modes.
const (
	// ModeIncremental paginates strictly after the stored cursor, ascending.
	ModeIncremental IngestMode = "incremental"
	// ModeFullRescrape fetches only the newest N messages, ignoring the cursor.
	ModeFullRescrape IngestMode = "full_rescrape"
)

// ChannelCursor is the durable per-channel ingestion state. Owned by the
// checkpoint store, mutated only by the coordinator after a successful flush.
type ChannelCursor struct {
	ChannelID    string     `json:"channel_id"`
	LastID       int64      `json:"last_id"`
	Mode         IngestMode `json:"mode,omitempty"`
	MessageLimit int        `json:"message_limit,omitempty"`
	FetchMedia   bool       `json:"fetch_media"`
}

// Advance moves the cursor forward. The cursor never regresses: a rescrape
// over an already-passed window leaves it where it was.
func (c *ChannelCursor) Advance(lastID int64) {
	if lastID > c.LastID {
		c.LastID = lastID
	}
}
