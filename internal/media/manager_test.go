package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgfeed/feedscraper/internal/models"
	"github.com/tgfeed/feedscraper/internal/telegram"
)

// fakeFetcher serves canned responses per message id and tracks concurrency
type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[int64]int
	inFlight  int
	peak      int
	responses func(messageID int64, attempt int) (string, error)
}

func newFakeFetcher(responses func(messageID int64, attempt int) (string, error)) *fakeFetcher {
	return &fakeFetcher{calls: map[int64]int{}, responses: responses}
}

func (f *fakeFetcher) FetchAttachment(ctx context.Context, ch *telegram.Channel, messageID int64, dir string) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.calls[messageID]++
	attempt := f.calls[messageID]
	f.mu.Unlock()

	// hold the slot long enough for overlap to show up
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	return f.responses(messageID, attempt)
}

// fakeRecorder captures media ref updates
type fakeRecorder struct {
	mu   sync.Mutex
	refs map[int64]string
	err  error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{refs: map[int64]string{}}
}

func (r *fakeRecorder) UpdateMediaRef(ctx context.Context, messageID int64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.refs[messageID] = path
	return nil
}

func testManager(fetcher Fetcher, maxConcurrent int) *Manager {
	m := NewManager(fetcher, maxConcurrent)
	m.backoffUnit = time.Millisecond
	return m
}

func tasks(ids ...int64) []models.DownloadTask {
	out := make([]models.DownloadTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.DownloadTask{ChannelID: "ch", MessageID: id})
	}
	return out
}

func TestManager_ConcurrencyBound(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return fmt.Sprintf("/tmp/%d-f.jpg", id), nil
	})
	m := testManager(fetcher, 3)

	var ids []int64
	for i := int64(1); i <= 20; i++ {
		ids = append(ids, i)
	}
	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(ids...), newFakeRecorder(), nil)

	require.Len(t, results, 20)
	for _, r := range results {
		assert.True(t, r.Success(), "task %d failed: %v", r.Task.MessageID, r.Err)
	}
	assert.LessOrEqual(t, fetcher.peak, 3, "more than 3 fetches in flight")
}

func TestManager_ResultsKeepTaskOrder(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return fmt.Sprintf("/tmp/%d-f.jpg", id), nil
	})
	m := testManager(fetcher, 4)

	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(5, 3, 9, 1), newFakeRecorder(), nil)

	require.Len(t, results, 4)
	assert.Equal(t, int64(5), results[0].Task.MessageID)
	assert.Equal(t, int64(3), results[1].Task.MessageID)
	assert.Equal(t, int64(9), results[2].Task.MessageID)
	assert.Equal(t, int64(1), results[3].Task.MessageID)
}

func TestManager_RetryThenSuccess(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("transient network error")
		}
		return "/tmp/1-f.jpg", nil
	})
	m := testManager(fetcher, 1)

	rec := newFakeRecorder()
	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(1), rec, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success())
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, "/tmp/1-f.jpg", rec.refs[1])
}

func TestManager_PermanentFailureAfterMaxAttempts(t *testing.T) {
	permanent := errors.New("still broken")
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return "", permanent
	})
	m := testManager(fetcher, 1)

	rec := newFakeRecorder()
	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(7), rec, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success())
	assert.Equal(t, 3, results[0].Attempts)
	assert.ErrorIs(t, results[0].Err, permanent)
	// a failed task must not write a media reference
	assert.Empty(t, rec.refs)
	// other tasks are unaffected by one task failing: covered by the run
	// completing rather than aborting
}

func TestManager_FloodWaitTakesPriorityOverBackoff(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		if attempt == 1 {
			return "", &telegram.FloodWaitError{Wait: 42 * time.Millisecond}
		}
		return "/tmp/1-f.jpg", nil
	})
	m := testManager(fetcher, 1)

	var waits []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(1), newFakeRecorder(), nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success())
	require.Len(t, waits, 1)
	assert.Equal(t, 42*time.Millisecond, waits[0])
}

func TestManager_NoAttachmentIsPermanent(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return "", nil // message exists but has no payload
	})
	m := testManager(fetcher, 1)

	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(1), newFakeRecorder(), nil)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrNoAttachment)
	assert.Equal(t, 1, results[0].Attempts, "absent attachment must not be retried")
}

func TestManager_DedupSkipsFetch(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "10-already.jpg")
	require.NoError(t, os.WriteFile(existing, []byte("payload"), 0644))

	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		t.Error("fetch must not be called for a deduped task")
		return "", nil
	})
	m := testManager(fetcher, 1)

	rec := newFakeRecorder()
	results := m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, dir, tasks(10), rec, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Deduped)
	assert.Equal(t, existing, results[0].Path)
	// the record is still reconciled so repairs converge
	assert.Equal(t, existing, rec.refs[10])
}

func TestManager_ProgressCallback(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return fmt.Sprintf("/tmp/%d-f.jpg", id), nil
	})
	m := testManager(fetcher, 2)

	var mu sync.Mutex
	var seen []int
	m.DownloadAll(context.Background(), &telegram.Channel{ID: 1}, t.TempDir(), tasks(1, 2, 3), newFakeRecorder(),
		func(done, total int) {
			mu.Lock()
			seen = append(seen, done)
			mu.Unlock()
			assert.Equal(t, 3, total)
		})

	assert.Len(t, seen, 3)
}

func TestManager_CancelledContext(t *testing.T) {
	fetcher := newFakeFetcher(func(id int64, attempt int) (string, error) {
		return "", errors.New("transient")
	})
	m := testManager(fetcher, 1)
	m.backoffUnit = time.Hour // cancellation must cut the backoff short

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	done := make(chan []TaskResult, 1)
	go func() {
		done <- m.DownloadAll(ctx, &telegram.Channel{ID: 1}, t.TempDir(), tasks(1, 2), nil, nil)
	}()

	select {
	case results := <-done:
		require.Len(t, results, 2)
		assert.False(t, results[0].Success())
	case <-time.After(5 * time.Second):
		t.Fatal("DownloadAll did not return after cancellation")
	}
}
