package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
)

// ChannelStore is the idempotent local store for one channel. The local
// sqlite database is the durability source of truth; the mirror, when
// configured, receives the same writes best-effort.
type ChannelStore struct {
	channelID string
	db        *gorm.DB
	mirror    Mirror
	log       *logger.Logger
}

// ChannelID returns the channel this store belongs to.
func (s *ChannelStore) ChannelID() string {
	return s.channelID
}

// Flush persists a batch with insert-if-absent semantics keyed on
// message_id. Re-flushing ids that already exist is a no-op, not an error,
// which is what makes crash-and-reprocess safe. Returns the count of newly
// persisted records.
func (s *ChannelStore) Flush(ctx context.Context, records []models.MessageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := make([]models.MessageRecord, len(records))
	copy(batch, records)

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&batch)
	if res.Error != nil {
		return 0, fmt.Errorf("flush batch: %w", res.Error)
	}

	if s.mirror != nil {
		if err := s.mirror.Upsert(ctx, s.channelID, records); err != nil {
			// mirror is best-effort; the local write stands
			s.log.Warn().Err(err).Str("channel", s.channelID).
				Int("records", len(records)).Msg("store: mirror upsert failed")
		}
	}

	return int(res.RowsAffected), nil
}

// UpdateMediaRef records the local media path for an already-persisted
// message and forwards the point update to the mirror.
func (s *ChannelStore) UpdateMediaRef(ctx context.Context, messageID int64, path string) error {
	res := s.db.WithContext(ctx).
		Model(&models.MessageRecord{}).
		Where("message_id = ?", messageID).
		Update("media_path", path)
	if res.Error != nil {
		return fmt.Errorf("update media ref %d: %w", messageID, res.Error)
	}

	if s.mirror != nil {
		if err := s.mirror.UpdateMediaRef(ctx, s.channelID, messageID, path); err != nil {
			s.log.Warn().Err(err).Str("channel", s.channelID).
				Int64("message_id", messageID).Msg("store: mirror media update failed")
		}
	}

	return nil
}

// MissingMedia returns ids of records that expect an attachment but have no
// media reference yet. Input for the repair pass.
func (s *ChannelStore) MissingMedia(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&models.MessageRecord{}).
		Where("media_type IN ?", []models.MediaKind{models.MediaPhoto, models.MediaDocument}).
		Where("media_path IS NULL OR media_path = ''").
		Order("message_id").
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("scan missing media: %w", err)
	}
	return ids, nil
}

// Recent returns the newest records by date.
func (s *ChannelStore) Recent(ctx context.Context, limit int) ([]models.MessageRecord, error) {
	var out []models.MessageRecord
	err := s.db.WithContext(ctx).
		Order("date DESC, message_id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load recent records: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted records.
func (s *ChannelStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.MessageRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Get returns a record by message id, or nil if absent.
func (s *ChannelStore) Get(ctx context.Context, messageID int64) (*models.MessageRecord, error) {
	var rec models.MessageRecord
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %d: %w", messageID, err)
	}
	return &rec, nil
}
