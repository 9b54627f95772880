// Package media downloads message attachments under a fixed concurrency cap
// with retry, backoff and filesystem dedup.
package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
	"github.com/tgfeed/feedscraper/internal/telegram"
)

const maxAttempts = 3

// ErrNoAttachment marks a task whose message no longer carries a
// downloadable attachment. Permanent, not retried.
var ErrNoAttachment = errors.New("message has no downloadable attachment")

// Fetcher downloads one attachment. Implemented by the telegram client.
type Fetcher interface {
	FetchAttachment(ctx context.Context, ch *telegram.Channel, messageID int64, dir string) (string, error)
}

// Recorder reconciles a finished download back into persistence.
type Recorder interface {
	UpdateMediaRef(ctx context.Context, messageID int64, path string) error
}

// TaskResult is the per-task outcome of a download batch.
type TaskResult struct {
	Task     models.DownloadTask
	Path     string
	Attempts int
	Deduped  bool
	Err      error
}

// Success reports whether the task produced a media reference.
func (r TaskResult) Success() bool {
	return r.Err == nil && r.Path != ""
}

// Manager runs download batches with at most maxConcurrent fetches in
// flight, enforced by a weighted semaphore.
type Manager struct {
	fetcher       Fetcher
	maxConcurrent int64
	backoffUnit   time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	log           *logger.Logger
}

// NewManager creates a download manager. maxConcurrent <= 0 defaults to 5.
func NewManager(fetcher Fetcher, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		fetcher:       fetcher,
		maxConcurrent: int64(maxConcurrent),
		backoffUnit:   time.Second,
		sleep:         sleepCtx,
		log:           logger.Get(),
	}
}

// DownloadAll processes every task and returns one result per task, in task
// order. Completion order across tasks is unordered; each task reconciles
// its own result via rec as soon as it finishes. progress may be nil.
func (m *Manager) DownloadAll(
	ctx context.Context,
	ch *telegram.Channel,
	dir string,
	tasks []models.DownloadTask,
	rec Recorder,
	progress func(done, total int),
) []TaskResult {
	results := make([]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	sem := semaphore.NewWeighted(m.maxConcurrent)
	var (
		wg   sync.WaitGroup
		done int
		mu   sync.Mutex
	)

	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = TaskResult{Task: task, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, task models.DownloadTask) {
			defer wg.Done()
			defer sem.Release(1)

			results[i] = m.downloadOne(ctx, ch, dir, task, rec)

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if progress != nil {
				progress(n, len(tasks))
			}
		}(i, task)
	}

	wg.Wait()
	return results
}

// downloadOne runs the dedup check and the bounded retry loop for a task.
func (m *Manager) downloadOne(ctx context.Context, ch *telegram.Channel, dir string, task models.DownloadTask, rec Recorder) TaskResult {
	res := TaskResult{Task: task}

	// dedup: a repeat invocation must not re-fetch an existing file
	if existing := existingFile(dir, task.MessageID); existing != "" {
		res.Path = existing
		res.Deduped = true
		if err := rec.UpdateMediaRef(ctx, task.MessageID, existing); err != nil {
			res.Err = err
		}
		return res
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		path, err := m.fetcher.FetchAttachment(ctx, ch, task.MessageID, dir)
		if err == nil {
			if path == "" {
				res.Err = ErrNoAttachment
				return res
			}
			res.Path = path
			if recErr := rec.UpdateMediaRef(ctx, task.MessageID, path); recErr != nil {
				res.Err = recErr
			}
			return res
		}

		res.Err = err
		if attempt == maxAttempts {
			m.log.Warn().Err(err).Int64("message_id", task.MessageID).
				Msg("media: permanent download failure")
			return res
		}

		// a rate-limit signal carries the exact wait and takes priority
		// over the generic exponential backoff
		wait := m.backoffUnit << attempt
		var fw *telegram.FloodWaitError
		if errors.As(err, &fw) {
			wait = fw.Wait
		}

		if sleepErr := m.sleep(ctx, wait); sleepErr != nil {
			res.Err = sleepErr
			return res
		}
	}

	return res
}

// existingFile looks for an already-downloaded file for a message id.
func existingFile(dir string, messageID int64) string {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%d-*", messageID)))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
