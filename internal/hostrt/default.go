package hostrt

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/history"
)

// typingHeartbeatInterval is how often the "thinking" typing status is
// re-sent while a reply is still buffering its first chunk, so the Server
// doesn't let the indicator expire on a slow first token.
const typingHeartbeatInterval = 3500 * time.Millisecond

// Default is the reference HostRuntime implementation: a local router,
// file-backed session store, goldmark-based reply formatter, and local
// media storage. It makes the gateway runnable and testable standalone,
// per §6's note that the host runtime is otherwise an external
// collaborator.
type Default struct {
	router  *Router
	session *SessionStore
	media   *MediaHandler
	history *history.GroupHistory
}

// NewDefault wires the reference HostRuntime from its component parts.
func NewDefault(baseDir string, h *history.GroupHistory) *Default {
	return &Default{
		router:  NewRouter(),
		session: NewSessionStore(baseDir),
		media:   NewMediaHandler(baseDir),
		history: h,
	}
}

func (d *Default) ResolveAgentRoute(ctx context.Context, in RouteInput) RouteResult {
	return d.router.ResolveAgentRoute(ctx, in)
}

func (d *Default) ResolveStorePath(accountID, channelID string) string {
	return d.session.ResolveStorePath(accountID, channelID)
}

func (d *Default) ReadSessionUpdatedAt(storePath string) (time.Time, bool) {
	return d.session.ReadSessionUpdatedAt(storePath)
}

func (d *Default) RecordInboundSession(storePath string, at time.Time) error {
	return d.session.RecordInboundSession(storePath, at)
}

func (d *Default) ResolveEnvelopeFormatOptions(acct *config.Account) ChunkMode {
	return ResolveChunkModeFor(acct)
}

func (d *Default) FormatAgentEnvelope(in EnvelopeInput) string {
	return FormatAgentEnvelope(in)
}

func (d *Default) CreateReplyPrefixOptions(replyPreview string) string {
	return CreateReplyPrefixOptions(replyPreview)
}

func (d *Default) FinalizeInboundContext(dc DispatchContext) DispatchContext {
	return dc
}

func (d *Default) ConvertMarkdownTables(text string) string {
	return ConvertMarkdownTables(text)
}

func (d *Default) ResolveChunkMode(acct *config.Account) ChunkMode {
	return ResolveChunkModeFor(acct)
}

func (d *Default) ChunkMarkdownText(text string, mode ChunkMode) []string {
	return ChunkMarkdownText(text, mode)
}

// DispatchReplyWithBufferedBlockDispatcher renders dc.Envelope as chunks and
// delivers them in order, awaited sequentially (§5 ordering guarantee),
// signaling typing status transitions around the send. A heartbeat re-sends
// the "thinking" status every 3.5s until the first chunk lands, then is
// cancelled; it is also cancelled on return via defer so an early ctx
// cancellation or an all-chunks-failed run never leaves it ticking.
func (d *Default) DispatchReplyWithBufferedBlockDispatcher(ctx context.Context, dc DispatchContext, send SendFunc, typing TypingFunc) error {
	chunks := d.ChunkMarkdownText(dc.Envelope, ChunkModeMarkdownTable)

	var heartbeatDone chan struct{}
	if typing != nil {
		_ = typing(dc.ChannelID, true)
		heartbeatDone = make(chan struct{})
		go runTypingHeartbeat(dc.ChannelID, typing, heartbeatDone)
	}
	stopHeartbeat := func() {
		if heartbeatDone != nil {
			close(heartbeatDone)
			heartbeatDone = nil
		}
	}
	defer stopHeartbeat()

	first := true
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(dc.ChannelID, chunk); err != nil {
			slog.Error("hostrt: chunk delivery failed", "channelId", dc.ChannelID, "error", err)
			continue
		}
		if first {
			stopHeartbeat()
			if typing != nil {
				_ = typing(dc.ChannelID, false)
			}
			first = false
		}
	}
	return nil
}

func runTypingHeartbeat(channelID string, typing TypingFunc, done <-chan struct{}) {
	ticker := time.NewTicker(typingHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = typing(channelID, true)
		case <-done:
			return
		}
	}
}

func (d *Default) FetchRemoteMedia(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	return d.media.FetchRemoteMedia(ctx, FetchRemoteMediaOptions{URL: url, MaxBytes: maxBytes})
}

func (d *Default) SaveMediaBuffer(buf []byte, contentType, bucket string) (string, error) {
	return d.media.SaveMediaBuffer(buf, contentType, bucket)
}

func (d *Default) RecordPendingHistoryEntryIfEnabled(acct *config.Account, channelID string, entry history.HistoryEntry) {
	if acct.GroupHistoryN <= 0 {
		return
	}
	d.history.Append(channelID, acct.GroupHistoryN, entry)
}

func (d *Default) BuildPendingHistoryContextFromMap(channelID string) []history.HistoryEntry {
	return d.history.Entries(channelID)
}

func (d *Default) ClearHistoryEntriesIfEnabled(channelID string) {
	d.history.Clear(channelID)
}

var _ HostRuntime = (*Default)(nil)
