// Package telegram provides the MTProto transport adapter: channel
// resolution, restartable pagination, point fetches and attachment download.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/models"
)

// Client wraps gotgproto and provides high-level telegram operations.
type Client struct {
	proto       *gotgproto.Client
	rateLimiter *RateLimiter
	log         *logger.Logger
}

// NewClient creates a new telegram client wrapper.
func NewClient(proto *gotgproto.Client) *Client {
	return &Client{
		proto:       proto,
		rateLimiter: DefaultRateLimiter(),
		log:         logger.Get(),
	}
}

// Close stops the underlying client.
func (c *Client) Close() {
	if c.proto != nil {
		c.proto.Stop()
	}
}

// API returns the raw tg.Client for direct API calls.
func (c *Client) API() (*tg.Client, error) {
	if c.proto == nil {
		return nil, fmt.Errorf("telegram client not initialized")
	}
	return c.proto.API(), nil
}

// ResolveChannel resolves a channel identifier to channel info.
// identifier is a username (with or without @) or a numeric channel id
// (with or without the -100 prefix).
func (c *Client) ResolveChannel(ctx context.Context, identifier string) (*Channel, error) {
	identifier = strings.TrimPrefix(identifier, "@")

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	api, err := c.API()
	if err != nil {
		return nil, err
	}

	if id, numeric := parseChannelID(identifier); numeric {
		return c.resolveByID(ctx, api, id)
	}

	c.log.Info().Str("username", identifier).Msg("telegram: resolving channel username")
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: identifier,
	})
	if err != nil {
		if wait, ok := floodWait(err); ok {
			c.log.Warn().Dur("wait", wait).Msg("telegram: FLOOD_WAIT on resolve, updating rate limiter")
			c.rateLimiter.SetFloodWait(wait)
		}
		return nil, fmt.Errorf("resolve username %s: %w", identifier, err)
	}

	if len(resolved.Chats) == 0 {
		return nil, fmt.Errorf("channel not found: %s", identifier)
	}

	ch, ok := resolved.Chats[0].(*tg.Channel)
	if !ok {
		return nil, fmt.Errorf("not a channel: %s", identifier)
	}

	return &Channel{
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Username:   identifier,
		Title:      ch.Title,
	}, nil
}

// resolveByID looks up a channel known to the session by its numeric id.
func (c *Client) resolveByID(ctx context.Context, api *tg.Client, id int64) (*Channel, error) {
	chats, err := api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: id},
	})
	if err != nil {
		return nil, fmt.Errorf("resolve channel id %d: %w", id, err)
	}

	for _, chat := range chats.GetChats() {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == id {
			return &Channel{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Username:   ch.Username,
				Title:      ch.Title,
			}, nil
		}
	}
	return nil, fmt.Errorf("channel not found: %d", id)
}

// MessagesAfter fetches one page of messages with ids strictly greater than
// afterID, in ascending id order. lastID is the highest raw id seen in the
// page (afterID when the page is empty), usable as the next offset even when
// every record in the page was skipped.
//
// Pagination-level FLOOD_WAIT is retried indefinitely honoring the server
// wait; throttling must not silently drop data.
func (c *Client) MessagesAfter(ctx context.Context, ch *Channel, afterID int64, limit int) ([]models.RecordResult, int64, error) {
	if limit > 100 {
		limit = 100 // telegram api page cap
	}

	offsetID := int(afterID)
	if offsetID == 0 {
		offsetID = 1
	}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, afterID, err
		}

		api, err := c.API()
		if err != nil {
			return nil, afterID, err
		}

		history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      ch.inputPeer(),
			OffsetID:  offsetID,
			AddOffset: -limit,
			Limit:     limit,
		})
		if err != nil {
			if wait, ok := floodWait(err); ok {
				c.log.Warn().Dur("wait", wait).Int64("after_id", afterID).
					Msg("telegram: FLOOD_WAIT on pagination, waiting")
				c.rateLimiter.SetFloodWait(wait)
				continue
			}
			return nil, afterID, fmt.Errorf("get history after %d: %w", afterID, err)
		}

		raw, users, err := extractPage(history)
		if err != nil {
			return nil, afterID, err
		}

		// keep only messages past the cursor and restore ascending order
		page := make([]tg.MessageClass, 0, len(raw))
		lastID := afterID
		for _, msg := range raw {
			id := int64(msg.GetID())
			if id <= afterID {
				continue
			}
			page = append(page, msg)
			if id > lastID {
				lastID = id
			}
		}
		sort.Slice(page, func(i, j int) bool {
			return page[i].GetID() < page[j].GetID()
		})

		results := make([]models.RecordResult, 0, len(page))
		for _, msg := range page {
			results = append(results, Normalize(msg, users))
		}
		return results, lastID, nil
	}
}

// NewestMessages fetches the newest limit messages, newest first.
// Used by full-rescrape traversals, which ignore the stored cursor.
func (c *Client) NewestMessages(ctx context.Context, ch *Channel, limit int) ([]models.RecordResult, error) {
	var out []models.RecordResult
	offsetID := 0

	for len(out) < limit {
		batch := limit - len(out)
		if batch > 100 {
			batch = 100
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		api, err := c.API()
		if err != nil {
			return nil, err
		}

		history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     ch.inputPeer(),
			OffsetID: offsetID,
			Limit:    batch,
		})
		if err != nil {
			if wait, ok := floodWait(err); ok {
				c.log.Warn().Dur("wait", wait).Msg("telegram: FLOOD_WAIT on newest fetch, waiting")
				c.rateLimiter.SetFloodWait(wait)
				continue
			}
			return nil, fmt.Errorf("get newest messages: %w", err)
		}

		raw, users, err := extractPage(history)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			break
		}

		for _, msg := range raw {
			out = append(out, Normalize(msg, users))
			if id := msg.GetID(); offsetID == 0 || id < offsetID {
				offsetID = id
			}
		}
	}

	return out, nil
}

// MessagesByID fetches specific messages by id.
func (c *Client) MessagesByID(ctx context.Context, ch *Channel, ids []int64) ([]models.RecordResult, error) {
	raw, users, err := c.fetchRaw(ctx, ch, ids)
	if err != nil {
		return nil, err
	}

	results := make([]models.RecordResult, 0, len(raw))
	for _, msg := range raw {
		results = append(results, Normalize(msg, users))
	}
	return results, nil
}

// FetchAttachment downloads the attachment of a message into dir and returns
// the local path. The message is re-fetched first so the file reference is
// fresh. Returns ("", nil) when the message no longer carries a downloadable
// attachment, and *FloodWaitError when the server throttled the download.
func (c *Client) FetchAttachment(ctx context.Context, ch *Channel, messageID int64, dir string) (string, error) {
	raw, _, err := c.fetchRaw(ctx, ch, []int64{messageID})
	if err != nil {
		return "", err
	}

	var msg *tg.Message
	for _, r := range raw {
		if m, ok := r.(*tg.Message); ok && int64(m.ID) == messageID {
			msg = m
			break
		}
	}
	if msg == nil || msg.Media == nil {
		return "", nil
	}

	loc, name := attachmentLocation(msg)
	if loc == nil {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%d-%s", messageID, name))

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	api, err := c.API()
	if err != nil {
		return "", err
	}

	if _, err := downloader.NewDownloader().Download(api, loc).ToPath(ctx, dest); err != nil {
		if wait, ok := floodWait(err); ok {
			c.rateLimiter.SetFloodWait(wait)
			return "", &FloodWaitError{Wait: wait}
		}
		return "", fmt.Errorf("download attachment %d: %w", messageID, err)
	}

	return dest, nil
}

// fetchRaw fetches raw messages by id along with the page's user map.
func (c *Client) fetchRaw(ctx context.Context, ch *Channel, ids []int64) ([]tg.MessageClass, map[int64]*tg.User, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	api, err := c.API()
	if err != nil {
		return nil, nil, err
	}

	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: int(id)})
	}

	res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: ch.inputChannel(),
		ID:      inputIDs,
	})
	if err != nil {
		if wait, ok := floodWait(err); ok {
			c.rateLimiter.SetFloodWait(wait)
			return nil, nil, &FloodWaitError{Wait: wait}
		}
		return nil, nil, fmt.Errorf("get messages by id: %w", err)
	}

	return extractPage(res)
}

func (ch *Channel) inputPeer() tg.InputPeerClass {
	return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

func (ch *Channel) inputChannel() tg.InputChannelClass {
	return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

// extractPage pulls messages and the user map out of a history response.
func extractPage(res tg.MessagesMessagesClass) ([]tg.MessageClass, map[int64]*tg.User, error) {
	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
	)

	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		msgs, users = h.Messages, h.Users
	case *tg.MessagesMessages:
		msgs, users = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		msgs, users = h.Messages, h.Users
	default:
		return nil, nil, fmt.Errorf("unexpected history response %T", res)
	}

	userMap := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			userMap[user.ID] = user
		}
	}
	return msgs, userMap, nil
}

// attachmentLocation builds the download location and a base file name for
// a message's media. Returns nil for media without a file payload.
func attachmentLocation(m *tg.Message) (tg.InputFileLocationClass, string) {
	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		photoClass, ok := media.GetPhoto()
		if !ok {
			return nil, ""
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, ""
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestPhotoSize(photo.Sizes),
		}, "photo.jpg"

	case *tg.MessageMediaDocument:
		docClass, ok := media.GetDocument()
		if !ok {
			return nil, ""
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, ""
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, documentName(doc)

	default:
		// webpage previews and service media have no file payload
		return nil, ""
	}
}

// largestPhotoSize returns the type of the last sized thumbnail, which
// telegram orders smallest to largest.
func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	best := ""
	for _, s := range sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			best = sz.Type
		case *tg.PhotoSizeProgressive:
			best = sz.Type
		}
	}
	return best
}

// documentName derives a file name from document attributes, falling back
// to the mime type extension.
func documentName(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
			return filepath.Base(fn.FileName)
		}
	}

	ext := "bin"
	if idx := strings.LastIndex(doc.MimeType, "/"); idx >= 0 && idx < len(doc.MimeType)-1 {
		ext = doc.MimeType[idx+1:]
	}
	return "document." + ext
}

// parseChannelID parses a numeric channel identifier, accepting the -100
// prefixed form used by bot APIs.
func parseChannelID(identifier string) (int64, bool) {
	s := strings.TrimPrefix(identifier, "-100")
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// floodWait checks if err is a FLOOD_WAIT error and extracts the wait time.
// gotd errors are wrapped; matching the error string is the most reliable
// way without deep coupling to gotd's error types.
func floodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	str := err.Error()
	idx := strings.Index(str, "FLOOD_WAIT_")
	if idx < 0 {
		return 0, false
	}

	var seconds int
	if _, scanErr := fmt.Sscanf(str[idx:], "FLOOD_WAIT_%d", &seconds); scanErr != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
