package models

import (
	"time"
)

// MediaKind is the closed set of media classifications a message can carry.
// The kind is decided once at normalization time and never re-derived.
type MediaKind string

// MediaKind variants.
const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaWebpage  MediaKind = "webpage"
)

// Downloadable reports whether an attachment fetch makes sense for this kind.
// Webpage previews have no file payload.
func (k MediaKind) Downloadable() bool {
	return k == MediaPhoto || k == MediaDocument
}

// MessageRecord is a normalized channel message. Immutable once normalized,
// except for the body (mutated at most once by an optional translation step
// before persistence) and the media path (filled by the download manager
// after the record is already persisted).
type MessageRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID int64     `gorm:"uniqueIndex;column:message_id" json:"message_id"`
	Date      time.Time `gorm:"index" json:"date"`

	// sender identity, nullable: channel broadcasts have no sender user
	SenderID  *int64  `json:"sender_id,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Username  *string `json:"username,omitempty"`

	Body      string    `gorm:"column:message" json:"message"`
	MediaKind MediaKind `gorm:"column:media_type" json:"media_type,omitempty"`
	MediaPath *string   `gorm:"column:media_path" json:"media_path,omitempty"`

	ReplyTo    *int64  `gorm:"column:reply_to" json:"reply_to,omitempty"`
	PostAuthor *string `json:"post_author,omitempty"`
	Views      int     `json:"views"`
	Forwards   int     `json:"forwards"`
	Reactions  *string `json:"reactions,omitempty"`
}

// TableName keeps the table name stable across gorm versions.
func (MessageRecord) TableName() string {
	return "messages"
}

// HasMediaRef reports whether the record already carries a media reference.
func (m *MessageRecord) HasMediaRef() bool {
	return m.MediaPath != nil && *m.MediaPath != ""
}

// RecordResult is the per-record outcome of normalization. A record either
// normalized cleanly or is skipped with a reason; malformed input never
// aborts a channel run.
type RecordResult struct {
	Record     *MessageRecord
	SkipReason string
}

// Ok reports whether the result carries a usable record.
func (r RecordResult) Ok() bool {
	return r.Record != nil
}

// Skip builds a skip result.
func Skip(reason string) RecordResult {
	return RecordResult{SkipReason: reason}
}

// Keep builds an ok result.
func Keep(rec *MessageRecord) RecordResult {
	return RecordResult{Record: rec}
}

// DownloadTask is an ephemeral unit of attachment work, derived 1:1 from a
// record with a downloadable media kind. Owned by the download manager and
// discarded after success or permanent failure.
type DownloadTask struct {
	ChannelID string
	MessageID int64
	Attempt   int
}
