// Package checkpoint persists per-channel ingestion cursors in a single
// process-wide state file.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
)

// fileState is the on-disk layout: channel id -> cursor.
type fileState struct {
	Channels map[string]models.ChannelCursor `json:"channels"`
}

// Store is a crash-tolerant cursor store. A save either fully lands or is
// fully absent: writes go to a temp file which is atomically renamed over
// the state file. Load failures degrade to "absent" rather than erroring,
// trading a full re-scan for availability.
type Store struct {
	path string
	log  *logger.Logger

	mu    sync.Mutex
	state fileState
}

// New opens (or initializes) the state file at path.
func New(path string) *Store {
	s := &Store{
		path:  path,
		log:   logger.Get(),
		state: fileState{Channels: map[string]models.ChannelCursor{}},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("checkpoint: state file unreadable, starting empty")
		}
		return s
	}

	var loaded fileState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("checkpoint: state file corrupt, starting empty")
		return s
	}
	if loaded.Channels != nil {
		s.state = loaded
	}

	return s
}

// Load returns the cursor for a channel, or (zero, false) if none exists.
func (s *Store) Load(channelID string) (models.ChannelCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.state.Channels[channelID]
	return cur, ok
}

// Save durably stores the cursor for a channel.
func (s *Store) Save(cur models.ChannelCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Channels[cur.ChannelID]
	s.state.Channels[cur.ChannelID] = cur

	if err := s.writeLocked(); err != nil {
		// roll back the in-memory view so a retry sees the durable state
		if had {
			s.state.Channels[cur.ChannelID] = prev
		} else {
			delete(s.state.Channels, cur.ChannelID)
		}
		return err
	}
	return nil
}

// Remove deletes a channel's cursor. Used only on explicit channel removal.
func (s *Store) Remove(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Channels[channelID]; !ok {
		return nil
	}
	prev := s.state.Channels[channelID]
	delete(s.state.Channels, channelID)

	if err := s.writeLocked(); err != nil {
		s.state.Channels[channelID] = prev
		return err
	}
	return nil
}

// Channels returns a snapshot of all known cursors.
func (s *Store) Channels() []models.ChannelCursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChannelCursor, 0, len(s.state.Channels))
	for _, cur := range s.state.Channels {
		out = append(out, cur)
	}
	return out
}

// writeLocked serializes the state and atomically replaces the state file.
// Callers must hold s.mu.
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
