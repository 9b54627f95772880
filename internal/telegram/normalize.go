package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/tgfeed/feedscraper/internal/models"
)

// Normalize maps a raw telegram message into a canonical MessageRecord.
// Malformed input produces a skip result, never an error: the per-record
// skip/continue policy belongs to the coordinator, not to control flow.
func Normalize(raw tg.MessageClass, users map[int64]*tg.User) models.RecordResult {
	m, ok := raw.(*tg.Message)
	if !ok {
		// service messages (joins, pins) carry no content
		return models.Skip("service message")
	}
	if m.ID <= 0 {
		return models.Skip("missing message id")
	}

	rec := &models.MessageRecord{
		MessageID: int64(m.ID),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		Body:      m.Message,
		MediaKind: classifyMedia(m.Media),
		Views:     m.Views,
		Forwards:  m.Forwards,
	}

	if links := buttonLinks(m.ReplyMarkup); links != "" {
		rec.Body += links
	}

	if author := m.PostAuthor; author != "" {
		rec.PostAuthor = &author
	}

	if header, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok && header.ReplyToMsgID != 0 {
		replyTo := int64(header.ReplyToMsgID)
		rec.ReplyTo = &replyTo
	}

	if peer, ok := m.FromID.(*tg.PeerUser); ok {
		senderID := peer.UserID
		rec.SenderID = &senderID
		if u, ok := users[senderID]; ok {
			if u.FirstName != "" {
				v := u.FirstName
				rec.FirstName = &v
			}
			if u.LastName != "" {
				v := u.LastName
				rec.LastName = &v
			}
			if u.Username != "" {
				v := u.Username
				rec.Username = &v
			}
		}
	}

	if summary := reactionSummary(m.Reactions); summary != "" {
		rec.Reactions = &summary
	}

	return models.Keep(rec)
}

// classifyMedia decides the media variant exactly once, at normalization.
func classifyMedia(media tg.MessageMediaClass) models.MediaKind {
	switch media.(type) {
	case nil:
		return models.MediaNone
	case *tg.MessageMediaPhoto:
		return models.MediaPhoto
	case *tg.MessageMediaDocument:
		return models.MediaDocument
	case *tg.MessageMediaWebPage:
		return models.MediaWebpage
	default:
		return models.MediaNone
	}
}

// buttonLinks extracts inline button URLs and formats them as a trailing
// links block, matching how the records are rendered downstream.
func buttonLinks(markup tg.ReplyMarkupClass) string {
	inline, ok := markup.(*tg.ReplyInlineMarkup)
	if !ok {
		return ""
	}

	var links []string
	for _, row := range inline.Rows {
		for _, btn := range row.Buttons {
			if u, ok := btn.(*tg.KeyboardButtonURL); ok && u.URL != "" {
				text := u.Text
				if text == "" {
					text = "Link"
				}
				links = append(links, text+": "+u.URL)
			}
		}
	}

	if len(links) == 0 {
		return ""
	}
	return "\n\n🔗 Links:\n" + strings.Join(links, "\n")
}

// reactionSummary renders reactions as "emoji count emoji count ...".
func reactionSummary(reactions tg.MessageReactions) string {
	var parts []string
	for _, rc := range reactions.Results {
		emoji, ok := rc.Reaction.(*tg.ReactionEmoji)
		if !ok || emoji.Emoticon == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %d", emoji.Emoticon, rc.Count))
	}
	return strings.Join(parts, " ")
}
