package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgfeed/feedscraper/internal/models"
)

// fakeMirror records calls and optionally fails
type fakeMirror struct {
	upserts     int
	mediaRefs   int
	failUpserts bool
}

func (f *fakeMirror) Upsert(ctx context.Context, channelID string, records []models.MessageRecord) error {
	f.upserts++
	if f.failUpserts {
		return errors.New("mirror unavailable")
	}
	return nil
}

func (f *fakeMirror) UpdateMediaRef(ctx context.Context, channelID string, messageID int64, localPath string) error {
	f.mediaRefs++
	return nil
}

func openTestStore(t *testing.T, mirror Mirror) *ChannelStore {
	t.Helper()
	reg := NewRegistry(t.TempDir(), mirror)
	t.Cleanup(func() { _ = reg.CloseAll() })

	cs, err := reg.Acquire("test_channel")
	require.NoError(t, err)
	return cs
}

func record(id int64, body string) models.MessageRecord {
	return models.MessageRecord{
		MessageID: id,
		Date:      time.Now().UTC(),
		Body:      body,
	}
}

func strptr(s string) *string { return &s }

func TestChannelStore_FlushIsIdempotent(t *testing.T) {
	cs := openTestStore(t, nil)
	ctx := context.Background()

	batch := []models.MessageRecord{record(1, "one"), record(2, "two"), record(3, "three")}

	inserted, err := cs.Flush(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	// flushing the same batch again must not duplicate or error
	inserted, err = cs.Flush(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := cs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestChannelStore_FlushPartialOverlap(t *testing.T) {
	cs := openTestStore(t, nil)
	ctx := context.Background()

	_, err := cs.Flush(ctx, []models.MessageRecord{record(1, "one"), record(2, "two")})
	require.NoError(t, err)

	// overlapping batch: only the new record lands
	inserted, err := cs.Flush(ctx, []models.MessageRecord{record(2, "two"), record(3, "three")})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	count, err := cs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestChannelStore_FlushEmptyBatch(t *testing.T) {
	cs := openTestStore(t, nil)

	inserted, err := cs.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestChannelStore_UpdateMediaRef(t *testing.T) {
	cs := openTestStore(t, nil)
	ctx := context.Background()

	rec := record(10, "photo post")
	rec.MediaKind = models.MediaPhoto
	_, err := cs.Flush(ctx, []models.MessageRecord{rec})
	require.NoError(t, err)

	require.NoError(t, cs.UpdateMediaRef(ctx, 10, "/data/channels/test/10-photo.jpg"))

	got, err := cs.Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.MediaPath)
	assert.Equal(t, "/data/channels/test/10-photo.jpg", *got.MediaPath)
}

func TestChannelStore_MissingMedia(t *testing.T) {
	cs := openTestStore(t, nil)
	ctx := context.Background()

	withMedia := record(1, "has file")
	withMedia.MediaKind = models.MediaPhoto
	withMedia.MediaPath = strptr("/somewhere/1-a.jpg")

	missing := record(2, "lost file")
	missing.MediaKind = models.MediaDocument

	textOnly := record(3, "plain text")

	webpage := record(4, "link preview")
	webpage.MediaKind = models.MediaWebpage

	_, err := cs.Flush(ctx, []models.MessageRecord{withMedia, missing, textOnly, webpage})
	require.NoError(t, err)

	ids, err := cs.MissingMedia(ctx)
	require.NoError(t, err)
	// only downloadable kinds without a path count as missing
	assert.Equal(t, []int64{2}, ids)
}

func TestChannelStore_GetUnknownReturnsNil(t *testing.T) {
	cs := openTestStore(t, nil)

	got, err := cs.Get(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelStore_Recent(t *testing.T) {
	cs := openTestStore(t, nil)
	ctx := context.Background()

	_, err := cs.Flush(ctx, []models.MessageRecord{
		record(1, "oldest"), record(2, "middle"), record(3, "newest"),
	})
	require.NoError(t, err)

	recent, err := cs.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].MessageID)
	assert.Equal(t, int64(2), recent[1].MessageID)
}

func TestChannelStore_MirrorReceivesFlushes(t *testing.T) {
	mirror := &fakeMirror{}
	cs := openTestStore(t, mirror)
	ctx := context.Background()

	_, err := cs.Flush(ctx, []models.MessageRecord{record(1, "one")})
	require.NoError(t, err)
	assert.Equal(t, 1, mirror.upserts)

	require.NoError(t, cs.UpdateMediaRef(ctx, 1, "/tmp/1-a.jpg"))
	assert.Equal(t, 1, mirror.mediaRefs)
}

func TestChannelStore_MirrorFailureDoesNotFailFlush(t *testing.T) {
	mirror := &fakeMirror{failUpserts: true}
	cs := openTestStore(t, mirror)
	ctx := context.Background()

	// local persistence is the source of truth; mirror trouble is logged only
	inserted, err := cs.Flush(ctx, []models.MessageRecord{record(1, "one")})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	count, err := cs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRegistry_AcquireIsCached(t *testing.T) {
	reg := NewRegistry(t.TempDir(), nil)
	t.Cleanup(func() { _ = reg.CloseAll() })

	a, err := reg.Acquire("ch")
	require.NoError(t, err)
	b, err := reg.Acquire("ch")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRegistry_MediaDir(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, nil)

	got := reg.MediaDir("ch")
	assert.Contains(t, got, "ch")
	assert.Contains(t, got, dir)
}
