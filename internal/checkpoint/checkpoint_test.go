package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgfeed/feedscraper/internal/models"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := New(path)
	cur := models.ChannelCursor{
		ChannelID:    "some_channel",
		LastID:       421,
		Mode:         models.ModeIncremental,
		MessageLimit: 100,
		FetchMedia:   true,
	}
	require.NoError(t, s.Save(cur))

	// a fresh store must see the same cursor
	reopened := New(path)
	got, ok := reopened.Load("some_channel")
	require.True(t, ok)
	assert.Equal(t, cur, got)
}

func TestStore_LoadUnknownChannel(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))

	_, ok := s.Load("never_seen")
	assert.False(t, ok)
}

func TestStore_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := New(path)
	_, ok := s.Load("some_channel")
	assert.False(t, ok)

	// the store must still be writable after a corrupt load
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "some_channel", LastID: 7}))
	got, ok := New(path).Load("some_channel")
	require.True(t, ok)
	assert.Equal(t, int64(7), got.LastID)
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "ch", LastID: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".state-"), "leftover temp file %s", e.Name())
	}
}

func TestStore_SaveFailureRollsBack(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(path)
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "ch", LastID: 10}))

	// make the directory unwritable so the temp file cannot be created
	require.NoError(t, os.Chmod(dir, 0555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })

	err := s.Save(models.ChannelCursor{ChannelID: "ch", LastID: 99})
	require.Error(t, err)

	// the in-memory view must match what is durable on disk
	got, ok := s.Load("ch")
	require.True(t, ok)
	assert.Equal(t, int64(10), got.LastID)
}

func TestStore_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := New(path)
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "a", LastID: 1}))
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "b", LastID: 2}))

	require.NoError(t, s.Remove("a"))
	_, ok := s.Load("a")
	assert.False(t, ok)

	// removal is durable and the other channel survives
	reopened := New(path)
	_, ok = reopened.Load("a")
	assert.False(t, ok)
	got, ok := reopened.Load("b")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.LastID)

	// removing an unknown channel is a no-op
	require.NoError(t, s.Remove("missing"))
}

func TestStore_Channels(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "a", LastID: 1}))
	require.NoError(t, s.Save(models.ChannelCursor{ChannelID: "b", LastID: 2}))

	all := s.Channels()
	assert.Len(t, all, 2)
}
