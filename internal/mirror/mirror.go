// Package mirror forwards persisted records to an optional remote Postgres
// table and media files to an optional blob bucket. The mirror is
// best-effort at-least-once: every write is an idempotent upsert keyed on
// (channel_id, message_id), and failures never affect the local store.
package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
)

// Mirror writes message records to Postgres and uploads media blobs.
type Mirror struct {
	pool   *pgxpool.Pool
	table  string
	bucket string
	blobs  *gcs.Client
	log    *logger.Logger
}

// New connects to the mirror database and ensures the schema exists.
// bucket may be empty, in which case media mirroring is disabled and media
// references stay local paths.
func New(ctx context.Context, databaseURL, table, bucket string) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create mirror pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping mirror database: %w", err)
	}

	m := &Mirror{
		pool:  pool,
		table: table,
		log:   logger.Get(),
	}

	if err := m.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create blob client: %w", err)
		}
		m.bucket = bucket
		m.blobs = client
	}

	return m, nil
}

// Close releases the database pool and blob client.
func (m *Mirror) Close() {
	m.pool.Close()
	if m.blobs != nil {
		_ = m.blobs.Close()
	}
}

// ensureSchema bootstraps the mirror table.
func (m *Mirror) ensureSchema(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			channel_id  TEXT NOT NULL,
			message_id  BIGINT NOT NULL,
			date        TIMESTAMPTZ,
			sender_id   BIGINT,
			first_name  TEXT,
			last_name   TEXT,
			username    TEXT,
			message     TEXT,
			media_type  TEXT,
			media_path  TEXT,
			reply_to    BIGINT,
			post_author TEXT,
			views       INTEGER,
			forwards    INTEGER,
			reactions   TEXT,
			PRIMARY KEY (channel_id, message_id)
		)
	`, pgx.Identifier{m.table}.Sanitize()))
	if err != nil {
		return fmt.Errorf("ensure mirror schema: %w", err)
	}
	return nil
}

// Upsert forwards a batch with the same idempotency key as the local store.
// Media path is left alone on conflict so an already-reconciled reference
// is not clobbered by a re-flush of the original record.
func (m *Mirror) Upsert(ctx context.Context, channelID string, records []models.MessageRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s (channel_id, message_id, date, sender_id, first_name,
		                last_name, username, message, media_type, media_path,
		                reply_to, post_author, views, forwards, reactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (channel_id, message_id) DO UPDATE SET
			message   = EXCLUDED.message,
			views     = EXCLUDED.views,
			forwards  = EXCLUDED.forwards,
			reactions = EXCLUDED.reactions
	`, pgx.Identifier{m.table}.Sanitize())

	for _, r := range records {
		batch.Queue(query,
			channelID, r.MessageID, r.Date, r.SenderID, r.FirstName,
			r.LastName, r.Username, r.Body, string(r.MediaKind), r.MediaPath,
			r.ReplyTo, r.PostAuthor, r.Views, r.Forwards, r.Reactions,
		)
	}

	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mirror upsert: %w", err)
		}
	}
	return nil
}

// UpdateMediaRef mirrors a media reference. When a bucket is configured the
// blob is uploaded first and the public URL is stored; otherwise (or when
// the upload fails) the local path is stored as-is.
func (m *Mirror) UpdateMediaRef(ctx context.Context, channelID string, messageID int64, localPath string) error {
	ref := localPath

	if m.blobs != nil {
		url, err := m.uploadBlob(ctx, channelID, localPath)
		if err != nil {
			m.log.Warn().Err(err).Str("channel", channelID).
				Int64("message_id", messageID).Msg("mirror: blob upload failed, keeping local path")
		} else {
			ref = url
		}
	}

	_, err := m.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET media_path = $3 WHERE channel_id = $1 AND message_id = $2
	`, pgx.Identifier{m.table}.Sanitize()), channelID, messageID, ref)
	if err != nil {
		return fmt.Errorf("mirror media update: %w", err)
	}
	return nil
}

// uploadBlob copies a local file into the bucket under <channel>/<file> and
// returns its public URL.
func (m *Mirror) uploadBlob(ctx context.Context, channelID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	object := channelID + "/" + filepath.Base(localPath)
	w := m.blobs.Bucket(m.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize blob: %w", err)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", m.bucket, object), nil
}
