package monitor

import (
	"context"
	"log/slog"

	"github.com/hrygo/wristclaw-gateway/internal/serverapi"
	"github.com/hrygo/wristclaw-gateway/internal/wsproto"
)

// runCatchup implements §4.8: after a non-first authenticated transition,
// replay every message missed per channel since lastSeenMessageID. Per-
// channel failures are logged and the loop continues; the concurrency cap
// silently drops any catch-up message it can't admit — the next reconnect
// catches up again.
func (m *Monitor) runCatchup(ctx context.Context) {
	for channelID, afterID := range m.lastSeenMessageID {
		if !serverapi.ValidID(channelID) || !serverapi.ValidID(afterID) {
			continue
		}
		messages, err := m.client.MessagesAfter(ctx, channelID, afterID)
		if err != nil {
			slog.Warn("monitor: catch-up fetch failed", "channel", channelID, "error", err)
			continue
		}
		for _, msg := range messages {
			if msg.Payload.Via == "openclaw" || (m.botUserID != "" && msg.AuthorID == m.botUserID) {
				continue
			}
			synthesized := wsproto.MessageNewPayload{
				MessageID:  msg.MessageID,
				ChannelID:  channelID,
				AuthorID:   msg.AuthorID,
				SenderName: "",
				MediaURL:   msg.MediaURL,
				Content: wsproto.Content{
					ContentType: msg.Payload.ContentType,
					Text:        msg.Payload.Text,
					MediaURL:    msg.Payload.MediaURL,
					DurationSec: msg.Payload.DurationSec,
					Via:         msg.Payload.Via,
				},
			}
			if msg.ReplyContext != nil {
				synthesized.ReplyTo = &wsproto.ReplyRef{
					MessageID:   msg.ReplyContext.MessageID,
					AuthorID:    msg.ReplyContext.AuthorID,
					TextPreview: msg.ReplyContext.TextPreview,
				}
			}
			m.lastSeenMessageID[channelID] = msg.MessageID
			m.authorCache.Set(msg.MessageID, msg.AuthorID)
			m.dispatch(ctx, synthesized, channelID, "channel:"+channelID, nil)
		}
	}
}
