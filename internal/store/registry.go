// Package store provides the per-channel local message store and its
// optional remote-mirror dual-write.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
)

// Mirror is the optional remote mirror consumed by channel stores.
// All calls are best-effort at-least-once: failures are logged by the
// caller and never roll back local writes.
type Mirror interface {
	Upsert(ctx context.Context, channelID string, records []models.MessageRecord) error
	UpdateMediaRef(ctx context.Context, channelID string, messageID int64, localPath string) error
}

// Registry owns the open per-channel store handles. It replaces an ad-hoc
// global connection map with scoped acquisition and guaranteed release:
// every handle opened through Acquire is closed by CloseAll on shutdown.
type Registry struct {
	dir    string
	mirror Mirror
	log    *logger.Logger

	mu     sync.Mutex
	stores map[string]*ChannelStore
}

// NewRegistry creates a registry rooted at dir. mirror may be nil.
func NewRegistry(dir string, mirror Mirror) *Registry {
	return &Registry{
		dir:    dir,
		mirror: mirror,
		log:    logger.Get(),
		stores: make(map[string]*ChannelStore),
	}
}

// Acquire returns the store for a channel, opening it on first use.
// The handle stays owned by the registry; callers must not close it.
func (r *Registry) Acquire(channelID string) (*ChannelStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cs, ok := r.stores[channelID]; ok {
		return cs, nil
	}

	chanDir := filepath.Join(r.dir, "channels", channelID)
	if err := os.MkdirAll(chanDir, 0755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	dsn := filepath.Join(chanDir, channelID+".db") +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open channel db %s: %w", channelID, err)
	}

	if err := db.AutoMigrate(&models.MessageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate channel db %s: %w", channelID, err)
	}

	cs := &ChannelStore{
		channelID: channelID,
		db:        db,
		mirror:    r.mirror,
		log:       r.log,
	}
	r.stores[channelID] = cs
	return cs, nil
}

// MediaDir returns the media directory for a channel.
func (r *Registry) MediaDir(channelID string) string {
	return filepath.Join(r.dir, "channels", channelID, "media")
}

// CloseAll closes every open channel store. Safe to call more than once.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, cs := range r.stores {
		sqlDB, err := cs.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close channel db %s: %w", id, err)
		}
		delete(r.stores, id)
	}
	return firstErr
}
