// Package scraper contains the ingestion coordinator: it drives pagination,
// batching and checkpointing for one channel at a time, and hands attachment
// work to the media download manager.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/tgfeed/feedscraper/internal/checkpoint"
	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/media"
	"github.com/tgfeed/feedscraper/internal/models"
	"github.com/tgfeed/feedscraper/internal/store"
	"github.com/tgfeed/feedscraper/internal/telegram"
)

// Transport defines the operations the coordinator needs from the
// transport adapter.
type Transport interface {
	ResolveChannel(ctx context.Context, identifier string) (*telegram.Channel, error)
	// MessagesAfter returns one ascending page strictly after afterID plus
	// the highest raw id seen, usable as the next offset even when every
	// record was skipped.
	MessagesAfter(ctx context.Context, ch *telegram.Channel, afterID int64, limit int) ([]models.RecordResult, int64, error)
	NewestMessages(ctx context.Context, ch *telegram.Channel, limit int) ([]models.RecordResult, error)
}

// Translator mutates a record body at most once before persistence.
// Implementations never fail: they return the input on any trouble.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) string
}

// RecordsEvent is emitted after each successful batch flush.
type RecordsEvent struct {
	ChannelID string                 `json:"channel_id"`
	Records   []models.MessageRecord `json:"records"`
	FlushedAt time.Time              `json:"flushed_at"`
}

// RunEvent is emitted once per finished channel run.
type RunEvent struct {
	ChannelID  string            `json:"channel_id"`
	Mode       models.IngestMode `json:"mode"`
	Outcome    models.Outcome    `json:"outcome"`
	FinishedAt time.Time         `json:"finished_at"`
}

// EventPublisher publishes ingestion events. A nil publisher is valid.
type EventPublisher interface {
	PublishRecords(ctx context.Context, event RecordsEvent) error
	PublishRun(ctx context.Context, event RunEvent) error
}

// IngestOptions holds the per-run knobs.
type IngestOptions struct {
	Mode       models.IngestMode
	Limit      int
	FetchMedia bool
	TargetLang string
}

// RepairResult summarizes a media reconciliation pass.
type RepairResult struct {
	Submitted int `json:"submitted"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
}

// Service is the ingestion coordinator. Ingest is single-shot and
// re-entrant safe; serializing concurrent runs against the same channel is
// the Manager's job.
type Service struct {
	transport   Transport
	stores      *store.Registry
	checkpoints *checkpoint.Store
	media       *media.Manager
	translator  Translator
	publisher   EventPublisher
	log         *logger.Logger

	batchSize       int // records per flush
	checkpointEvery int // records per cursor save, independent of batchSize
}

// NewService creates a coordinator. translator and publisher may be nil.
func NewService(
	transport Transport,
	stores *store.Registry,
	checkpoints *checkpoint.Store,
	mediaMgr *media.Manager,
	translator Translator,
	publisher EventPublisher,
	batchSize, checkpointEvery int,
) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	if checkpointEvery <= 0 {
		checkpointEvery = 50
	}
	return &Service{
		transport:       transport,
		stores:          stores,
		checkpoints:     checkpoints,
		media:           mediaMgr,
		translator:      translator,
		publisher:       publisher,
		log:             logger.Get(),
		batchSize:       batchSize,
		checkpointEvery: checkpointEvery,
	}
}

// Ingest runs one channel to completion and always terminates with exactly
// one outcome. The returned error is non-nil only for channel-level
// failures (status error); per-record trouble is counted, not raised.
func (s *Service) Ingest(ctx context.Context, channelID string, opts IngestOptions) (*models.Outcome, error) {
	ch, err := s.transport.ResolveChannel(ctx, channelID)
	if err != nil {
		out := &models.Outcome{Status: models.RunError, Err: err.Error()}
		s.publishRun(channelID, opts.Mode, out)
		return out, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}

	cs, err := s.stores.Acquire(channelID)
	if err != nil {
		out := &models.Outcome{Status: models.RunError, Err: err.Error()}
		s.publishRun(channelID, opts.Mode, out)
		return out, err
	}

	cursor, ok := s.checkpoints.Load(channelID)
	if !ok {
		cursor = models.ChannelCursor{ChannelID: channelID}
	}
	cursor.Mode = opts.Mode
	cursor.MessageLimit = opts.Limit
	cursor.FetchMedia = opts.FetchMedia

	s.log.Info().Str("channel", channelID).Str("mode", string(opts.Mode)).
		Int64("cursor", cursor.LastID).Msg("scraper: starting run")

	var out *models.Outcome
	if opts.Mode == models.ModeFullRescrape {
		out, err = s.rescrape(ctx, ch, cs, cursor, opts)
	} else {
		out, err = s.incremental(ctx, ch, cs, cursor, opts)
	}

	s.publishRun(channelID, opts.Mode, out)
	s.log.Info().Str("channel", channelID).Str("status", string(out.Status)).
		Int("processed", out.Processed).Int("skipped", out.Skipped).
		Int("media_fetched", out.MediaFetched).Int("media_failed", out.MediaFailed).
		Int64("last_id", out.LastID).Msg("scraper: run finished")
	return out, err
}

// incremental paginates strictly after the cursor in ascending order,
// flushing every batchSize records and checkpointing every checkpointEvery
// records. The checkpoint never advances past the last completed flush, so
// a crash re-processes at most checkpointEvery-1 already-flushed records,
// which the idempotent flush absorbs.
func (s *Service) incremental(ctx context.Context, ch *telegram.Channel, cs *store.ChannelStore, cursor models.ChannelCursor, opts IngestOptions) (*models.Outcome, error) {
	out := &models.Outcome{LastID: cursor.LastID}

	var (
		buffer          []models.MessageRecord
		tasks           []models.DownloadTask
		after           = cursor.LastID
		flushedThrough  = cursor.LastID
		sinceCheckpoint = 0
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if _, err := cs.Flush(ctx, buffer); err != nil {
			return err
		}
		flushedThrough = buffer[len(buffer)-1].MessageID
		s.publishRecords(cursor.ChannelID, buffer)
		buffer = buffer[:0]
		return nil
	}
	saveCursor := func() {
		cursor.Advance(flushedThrough)
		// a checkpoint failure costs a re-scan, never the run
		if err := s.checkpoints.Save(cursor); err != nil {
			s.log.Warn().Err(err).Str("channel", cursor.ChannelID).Msg("scraper: checkpoint save failed")
		}
	}
	cancelled := func() (*models.Outcome, error) {
		if err := flush(); err != nil {
			out.Status = models.RunError
			out.Err = err.Error()
			return out, err
		}
		saveCursor()
		out.Status = models.RunCancelled
		out.LastID = cursor.LastID
		return out, nil
	}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}

		results, pageLast, err := s.transport.MessagesAfter(ctx, ch, after, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			// pagination failure aborts the run; already-flushed progress
			// stays, the cursor is not advanced further
			if ferr := flush(); ferr != nil {
				s.log.Error().Err(ferr).Msg("scraper: flush during abort failed")
			}
			out.Status = models.RunError
			out.Err = err.Error()
			return out, fmt.Errorf("paginate channel %s: %w", cursor.ChannelID, err)
		}

		if pageLast == after {
			break // exhausted
		}

		for _, r := range results {
			if !r.Ok() {
				out.Skipped++
				s.log.Debug().Str("channel", cursor.ChannelID).Str("reason", r.SkipReason).
					Msg("scraper: record skipped")
				continue
			}

			rec := *r.Record
			if s.translator != nil && opts.TargetLang != "" {
				rec.Body = s.translator.Translate(ctx, rec.Body, opts.TargetLang)
			}

			buffer = append(buffer, rec)
			if opts.FetchMedia && rec.MediaKind.Downloadable() {
				tasks = append(tasks, models.DownloadTask{
					ChannelID: cursor.ChannelID,
					MessageID: rec.MessageID,
				})
			}
			out.Processed++
			sinceCheckpoint++

			if len(buffer) >= s.batchSize {
				if err := flush(); err != nil {
					out.Status = models.RunError
					out.Err = err.Error()
					return out, err
				}
			}
			if sinceCheckpoint >= s.checkpointEvery {
				if err := flush(); err != nil {
					out.Status = models.RunError
					out.Err = err.Error()
					return out, err
				}
				saveCursor()
				sinceCheckpoint = 0
			}
		}

		if len(buffer) == 0 {
			// everything in the page is flushed or skipped; trailing skips
			// must still move the cursor target forward
			flushedThrough = pageLast
		}
		after = pageLast
	}

	if err := flush(); err != nil {
		out.Status = models.RunError
		out.Err = err.Error()
		return out, err
	}
	flushedThrough = after
	saveCursor()

	s.downloadAll(ctx, ch, cs, cursor.ChannelID, tasks, out)

	out.LastID = cursor.LastID
	out.Status = finalStatus(ctx, out)
	return out, nil
}

// rescrape fetches only the newest limit messages, ignoring the stored
// cursor. Records are upserted with no ordering guarantee relative to older
// rows; the cursor only moves forward as a side effect.
func (s *Service) rescrape(ctx context.Context, ch *telegram.Channel, cs *store.ChannelStore, cursor models.ChannelCursor, opts IngestOptions) (*models.Outcome, error) {
	out := &models.Outcome{LastID: cursor.LastID}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.batchSize
	}

	results, err := s.transport.NewestMessages(ctx, ch, limit)
	if err != nil {
		if ctx.Err() != nil {
			out.Status = models.RunCancelled
			return out, nil
		}
		out.Status = models.RunError
		out.Err = err.Error()
		return out, fmt.Errorf("rescrape channel %s: %w", cursor.ChannelID, err)
	}

	var (
		buffer []models.MessageRecord
		tasks  []models.DownloadTask
		maxID  int64
	)

	for _, r := range results {
		if !r.Ok() {
			out.Skipped++
			continue
		}

		rec := *r.Record
		if s.translator != nil && opts.TargetLang != "" {
			rec.Body = s.translator.Translate(ctx, rec.Body, opts.TargetLang)
		}

		buffer = append(buffer, rec)
		if opts.FetchMedia && rec.MediaKind.Downloadable() {
			tasks = append(tasks, models.DownloadTask{
				ChannelID: cursor.ChannelID,
				MessageID: rec.MessageID,
			})
		}
		out.Processed++
		if rec.MessageID > maxID {
			maxID = rec.MessageID
		}

		if len(buffer) >= s.batchSize {
			if _, err := cs.Flush(ctx, buffer); err != nil {
				out.Status = models.RunError
				out.Err = err.Error()
				return out, err
			}
			s.publishRecords(cursor.ChannelID, buffer)
			buffer = buffer[:0]
		}
	}

	if len(buffer) > 0 {
		if _, err := cs.Flush(ctx, buffer); err != nil {
			out.Status = models.RunError
			out.Err = err.Error()
			return out, err
		}
		s.publishRecords(cursor.ChannelID, buffer)
	}

	s.downloadAll(ctx, ch, cs, cursor.ChannelID, tasks, out)

	// the cursor never regresses below what incremental runs reached
	cursor.Advance(maxID)
	if err := s.checkpoints.Save(cursor); err != nil {
		s.log.Warn().Err(err).Str("channel", cursor.ChannelID).Msg("scraper: checkpoint save failed")
	}

	out.LastID = cursor.LastID
	out.Status = finalStatus(ctx, out)
	return out, nil
}

// Repair scans for records that expect an attachment but have no media
// reference and resubmits them as fresh download tasks.
func (s *Service) Repair(ctx context.Context, channelID string) (*RepairResult, error) {
	ch, err := s.transport.ResolveChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}

	cs, err := s.stores.Acquire(channelID)
	if err != nil {
		return nil, err
	}

	ids, err := cs.MissingMedia(ctx)
	if err != nil {
		return nil, err
	}

	res := &RepairResult{Submitted: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	tasks := make([]models.DownloadTask, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, models.DownloadTask{ChannelID: channelID, MessageID: id})
	}

	s.log.Info().Str("channel", channelID).Int("tasks", len(tasks)).
		Msg("scraper: repairing missing media")

	results := s.media.DownloadAll(ctx, ch, s.stores.MediaDir(channelID), tasks, cs, nil)
	for _, r := range results {
		if r.Success() {
			res.Resolved++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// Channels lists channels known to the checkpoint store.
func (s *Service) Channels() []models.ChannelCursor {
	return s.checkpoints.Channels()
}

// RecentRecords returns the newest persisted records for a channel.
func (s *Service) RecentRecords(ctx context.Context, channelID string, limit int) ([]models.MessageRecord, error) {
	cs, err := s.stores.Acquire(channelID)
	if err != nil {
		return nil, err
	}
	return cs.Recent(ctx, limit)
}

// RemoveChannel drops a channel's cursor. Local data stays on disk.
func (s *Service) RemoveChannel(channelID string) error {
	return s.checkpoints.Remove(channelID)
}

// downloadAll hands accumulated tasks to the download manager and folds the
// per-task results into the outcome.
func (s *Service) downloadAll(ctx context.Context, ch *telegram.Channel, cs *store.ChannelStore, channelID string, tasks []models.DownloadTask, out *models.Outcome) {
	if len(tasks) == 0 || ctx.Err() != nil {
		return
	}

	s.log.Info().Str("channel", channelID).Int("tasks", len(tasks)).
		Msg("scraper: downloading attachments")

	results := s.media.DownloadAll(ctx, ch, s.stores.MediaDir(channelID), tasks, cs,
		func(done, total int) {
			s.log.Debug().Str("channel", channelID).Int("done", done).Int("total", total).
				Msg("scraper: download progress")
		})

	for _, r := range results {
		if r.Success() {
			out.MediaFetched++
		} else {
			out.MediaFailed++
		}
	}
}

func (s *Service) publishRecords(channelID string, records []models.MessageRecord) {
	if s.publisher == nil || len(records) == 0 {
		return
	}
	batch := make([]models.MessageRecord, len(records))
	copy(batch, records)
	event := RecordsEvent{ChannelID: channelID, Records: batch, FlushedAt: time.Now().UTC()}
	if err := s.publisher.PublishRecords(context.Background(), event); err != nil {
		s.log.Warn().Err(err).Str("channel", channelID).Msg("scraper: publish records failed")
	}
}

func (s *Service) publishRun(channelID string, mode models.IngestMode, out *models.Outcome) {
	if s.publisher == nil || out == nil {
		return
	}
	event := RunEvent{ChannelID: channelID, Mode: mode, Outcome: *out, FinishedAt: time.Now().UTC()}
	if err := s.publisher.PublishRun(context.Background(), event); err != nil {
		s.log.Warn().Err(err).Str("channel", channelID).Msg("scraper: publish run failed")
	}
}

// finalStatus maps a completed traversal to its terminal status.
func finalStatus(ctx context.Context, out *models.Outcome) models.RunStatus {
	if ctx.Err() != nil {
		return models.RunCancelled
	}
	if out.Skipped > 0 || out.MediaFailed > 0 {
		return models.RunPartial
	}
	return models.RunSuccess
}
