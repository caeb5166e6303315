package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/containers"
	"github.com/hrygo/wristclaw-gateway/internal/hostrt"
	"github.com/hrygo/wristclaw-gateway/internal/mediagroup"
	"github.com/hrygo/wristclaw-gateway/internal/pipeline"
	"github.com/hrygo/wristclaw-gateway/internal/policy"
	"github.com/hrygo/wristclaw-gateway/internal/serverapi"
	"github.com/hrygo/wristclaw-gateway/internal/voicewaiter"
	"github.com/hrygo/wristclaw-gateway/internal/wsproto"
)

// Sentinel error kinds (§7) checked with errors.Is rather than a
// ChannelError/Code scheme, since every pipeline-level rejection here is a
// silent drop — no caller needs a retry decision, only a log line.
// ErrUnsafeMediaURL lives in internal/policy, the package that actually
// performs the check.
var (
	ErrEcho           = errors.New("monitor: echo event")
	ErrDedup          = errors.New("monitor: duplicate message")
	ErrAccessDenied   = errors.New("monitor: access denied")
	ErrRateLimited    = errors.New("monitor: rate limited")
	ErrConcurrencyCap = errors.New("monitor: concurrency cap reached")
	ErrFatalConfig    = errors.New("monitor: fatal configuration")
)

// dropErrors maps a pipeline.Result.Reason to the sentinel error kind it
// represents, for structured logging. Reasons with no mapping (e.g.
// ReasonEmptyBody, ReasonMentionGate) aren't part of the §7 taxonomy; they
// are not logged and only feed DroppedTotal under their raw reason string.
var dropErrors = map[string]error{
	pipeline.ReasonEcho:         ErrEcho,
	pipeline.ReasonDedup:        ErrDedup,
	pipeline.ReasonAccessDenied: ErrAccessDenied,
	pipeline.ReasonRateLimited:  ErrRateLimited,
}

// sendFrame is the outbound "send" frame the monitor writes to deliver one
// reply chunk to a channel.
type sendFrame struct {
	Type    string           `json:"type"`
	Channel string           `json:"channel"`
	Payload sendFramePayload `json:"payload"`
}

type sendFramePayload struct {
	Text string `json:"text"`
}

const (
	defaultMaxConcurrent    = 3
	pingInterval            = 30 * time.Second
	pongTimeout             = 10 * time.Second
	reconnectInitialBackoff = 1000 * time.Millisecond
	reconnectMaxBackoff     = 60_000 * time.Millisecond
	rateLimiterCleanupEvery = 5 * time.Minute
	authorCacheCapacity     = 500
	outboundSendRate        = 20 // outbound frames per second, per account
	outboundSendBurst       = 40
)

// Config wires a Monitor's dependencies. CrossAccountDedup and Metrics are
// process-wide and shared across every account's Monitor.
type Config struct {
	Account           *config.Account
	Host              hostrt.HostRuntime
	CrossAccountDedup *policy.CrossAccountDedup
	Metrics           *Metrics
	MaxConcurrent     int64
}

// Monitor owns one account's WebSocket session: connect, authenticate,
// subscribe, route events, reconnect with backoff (§4.7), and catch-up after
// a non-first authentication (§4.8). One instance per account; the
// cross-account dedup structure is the only state shared with siblings.
type Monitor struct {
	account *config.Account
	host    hostrt.HostRuntime
	metrics *Metrics
	status  *StatusSink

	client *serverapi.Client
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	botUserID      string
	botDisplayName string
	firstConnect   bool

	pairToChannel     map[string]string
	groupChannelIDs   map[string]struct{}
	lastSeenMessageID map[string]string
	authorCache       *containers.BoundedMap[string, string]

	crossAccountDedup *policy.CrossAccountDedup
	accountDedup      *policy.AccountDedup
	rateLimiter       *policy.RateLimiter
	mediaGroup        *mediagroup.Buffer
	voiceWaiter       *voicewaiter.Registry

	sem *semaphore.Weighted

	// sendLimiter throttles outbound reply chunks so one runaway dispatch
	// can't flood the Server; it never throttles control frames (auth,
	// subscribe, ping, typing).
	sendLimiter *rate.Limiter

	backoff time.Duration
	stopped bool
	stopMu  sync.Mutex
}

// New constructs a Monitor for one account. Call Run to start its session
// loop; Run blocks until ctx is cancelled or Stop is called.
func New(cfg Config) *Monitor {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	crossAccountDedup := cfg.CrossAccountDedup
	if crossAccountDedup == nil {
		// Every Monitor needs a non-nil dedup to claim against; callers
		// wiring multiple accounts should share one explicitly via Config.
		crossAccountDedup = policy.NewCrossAccountDedup()
	}
	m := &Monitor{
		account:           cfg.Account,
		host:              cfg.Host,
		metrics:           cfg.Metrics,
		status:            NewStatusSink(),
		client:            serverapi.New(cfg.Account.ServerBaseURL, cfg.Account.APIKey),
		dialer:            websocket.DefaultDialer,
		pairToChannel:     make(map[string]string),
		groupChannelIDs:   make(map[string]struct{}),
		lastSeenMessageID: make(map[string]string),
		authorCache:       containers.NewBoundedMap[string, string](authorCacheCapacity),
		crossAccountDedup: crossAccountDedup,
		accountDedup:      policy.NewAccountDedup(),
		rateLimiter:       policy.NewRateLimiter(10, 60*time.Second),
		voiceWaiter:       voicewaiter.New(),
		sem:               semaphore.NewWeighted(maxConcurrent),
		sendLimiter:       rate.NewLimiter(rate.Limit(outboundSendRate), outboundSendBurst),
		backoff:           reconnectInitialBackoff,
	}
	m.mediaGroup = mediagroup.New(m.onMediaGroupFlush)
	return m
}

// Status returns the monitor's running/lastError/lastStartAt/lastStopAt
// snapshot for the owning plugin's status surface.
func (m *Monitor) Status() StatusSnapshot {
	return m.status.Snapshot()
}

// Stop requests a clean shutdown: the current Run loop finishes its present
// connection and does not reconnect.
func (m *Monitor) Stop() {
	m.stopMu.Lock()
	m.stopped = true
	m.stopMu.Unlock()
	m.closeConn()
}

func (m *Monitor) isStopped() bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stopped
}

// Run drives the session loop: connect, authenticate, subscribe, run, and
// on any non-clean exit wait out the reconnect backoff before trying again.
// It returns only when ctx is cancelled, Stop is called, or a fatal
// configuration error is hit.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		m.mediaGroup.Dispose()
		m.voiceWaiter.Dispose()
		m.status.MarkStopped()
		if m.metrics != nil {
			m.metrics.Running.WithLabelValues(m.account.AccountID).Set(0)
		}
	}()

	cleanupTicker := time.NewTicker(rateLimiterCleanupEvery)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				m.rateLimiter.Cleanup()
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.isStopped() {
			return nil
		}

		err := m.connectAndServe(ctx)
		if err != nil {
			m.status.MarkError(err)
			slog.Error("monitor: session ended", "account", m.account.AccountID, "error", err)
			if errors.Is(err, ErrFatalConfig) {
				return err
			}
		}

		if m.isStopped() || ctx.Err() != nil {
			return ctx.Err()
		}

		if m.metrics != nil {
			m.metrics.Reconnects.WithLabelValues(m.account.AccountID).Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
		m.backoff *= 2
		if m.backoff > reconnectMaxBackoff {
			m.backoff = reconnectMaxBackoff
		}
	}
}

// wsURL derives the account's WebSocket control-plane URL and refuses a
// cleartext ws:// connection to any host but loopback (§4.7 Connect).
func (m *Monitor) wsURL() (string, error) {
	raw := m.client.WebSocketURL()
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}
	if parsed.Scheme == "ws" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "[::1]" && host != "::1" {
			return "", fmt.Errorf("%w: refusing cleartext ws:// to remote host %q", ErrFatalConfig, host)
		}
	}
	return raw, nil
}

func (m *Monitor) connectAndServe(ctx context.Context) error {
	if m.account.APIKey == "" {
		return fmt.Errorf("%w: missing api key", ErrFatalConfig)
	}
	target, err := m.wsURL()
	if err != nil {
		return err
	}

	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer m.closeConn()

	if err := m.send(wsproto.AuthFrame{Type: "auth", Payload: wsproto.AuthPayload{APIKey: m.account.APIKey}}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	frames := make(chan wsproto.Envelope, 16)
	readErrs := make(chan error, 1)
	go m.readPump(conn, frames, readErrs)

	var pingTicker *time.Ticker
	var pongTimer *time.Timer
	defer func() {
		if pingTicker != nil {
			pingTicker.Stop()
		}
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		var pingC <-chan time.Time
		if pingTicker != nil {
			pingC = pingTicker.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrs:
			return err

		case <-pingC:
			if err := m.send(wsproto.PingFrame{Type: "ping"}); err != nil {
				slog.Warn("monitor: ping send failed", "account", m.account.AccountID, "error", err)
				continue
			}
			if pongTimer != nil {
				pongTimer.Stop()
			}
			pongTimer = time.AfterFunc(pongTimeout, func() {
				slog.Warn("monitor: pong timeout, forcing reconnect", "account", m.account.AccountID)
				m.closeConn()
			})

		case env, ok := <-frames:
			if !ok {
				return nil
			}
			switch env.Type {
			case wsproto.EventAuthenticated:
				m.backoff = reconnectInitialBackoff
				m.status.MarkStarted()
				if m.metrics != nil {
					m.metrics.Running.WithLabelValues(m.account.AccountID).Set(1)
				}
				if err := m.onAuthenticated(ctx); err != nil {
					return err
				}
				if pingTicker == nil {
					pingTicker = time.NewTicker(pingInterval)
				}

			case wsproto.EventPong:
				if pongTimer != nil {
					pongTimer.Stop()
					pongTimer = nil
				}

			case wsproto.EventSubscribed:
				// observable confirmation only.

			case wsproto.EventMessageNew:
				m.handleMessageNew(ctx, env)

			case wsproto.EventMessageUpdate:
				m.handleMessageUpdate(env)

			case wsproto.EventVoiceTranscribed:
				m.handleVoiceTranscribed(ctx, env)

			case wsproto.EventGroupMemberAdded:
				m.handleGroupMemberAdded(env)

			case wsproto.EventPairCreated:
				m.handlePairCreated(ctx, env)

			case wsproto.EventGroupMemberChange, wsproto.EventError:
				// ignored per §4.7.

			default:
				// unknown type: ignore.
			}
		}
	}
}

// onAuthenticated implements the authenticated-transition bootstrap: fetch
// bot identity once per lifetime, subscribe to the bot's own user channel,
// rebuild pairToChannel/groupChannelIDs from /v1/conversations, subscribe
// every distinct channel, and — on any but the first connect — run catch-up.
func (m *Monitor) onAuthenticated(ctx context.Context) error {
	if m.botUserID == "" {
		identity, err := m.client.Me(ctx)
		if err != nil {
			return fmt.Errorf("fetch bot identity: %w", err)
		}
		m.botUserID = identity.UserID
		m.botDisplayName = identity.DisplayName
	}
	if err := m.send(wsproto.SubscribeFrame{Type: "subscribe", Channel: "user:" + m.botUserID}); err != nil {
		return err
	}

	conversations, err := m.client.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	m.pairToChannel = make(map[string]string, len(conversations))
	m.groupChannelIDs = make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, c := range conversations {
		if c.PairID != "" {
			m.pairToChannel[c.PairID] = c.ChannelID
		}
		if c.Type == "group" {
			m.groupChannelIDs[c.ChannelID] = struct{}{}
		}
		if _, ok := seen[c.ChannelID]; ok {
			continue
		}
		seen[c.ChannelID] = struct{}{}
		if err := m.send(wsproto.SubscribeFrame{Type: "subscribe", Channel: "channel:" + c.ChannelID}); err != nil {
			slog.Warn("monitor: subscribe failed", "channel", c.ChannelID, "error", err)
		}
	}

	isFirst := !m.firstConnect
	m.firstConnect = true
	if !isFirst {
		m.runCatchup(ctx)
	}
	return nil
}

// resolveChannelID implements §4.7's channel-id resolution for a
// message:new event.
func (m *Monitor) resolveChannelID(payload wsproto.MessageNewPayload, wsChannel string) (string, bool) {
	if payload.ChannelID != "" {
		return payload.ChannelID, true
	}
	if payload.PairID != "" {
		if ch, ok := m.pairToChannel[payload.PairID]; ok {
			return ch, true
		}
	}
	if strings.HasPrefix(wsChannel, "channel:") {
		return strings.TrimPrefix(wsChannel, "channel:"), true
	}
	return "", false
}

func (m *Monitor) handleMessageNew(ctx context.Context, env wsproto.Envelope) {
	var payload wsproto.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Error("monitor: unparseable message:new payload", "error", err)
		return
	}
	channelID, ok := m.resolveChannelID(payload, env.Channel)
	if !ok {
		slog.Warn("monitor: unroutable message:new event dropped", "messageId", payload.MessageID)
		return
	}

	m.lastSeenMessageID[channelID] = payload.MessageID
	m.authorCache.Set(payload.MessageID, payload.AuthorID)
	m.status.MarkInbound()
	if m.metrics != nil {
		m.metrics.InboundTotal.WithLabelValues(m.account.AccountID, string(wsproto.EventMessageNew)).Inc()
	}

	isImage := payload.Content.ContentType == "image"
	key := channelID + ":" + payload.AuthorID
	groupMediaURL := payload.Content.MediaURL
	if groupMediaURL != "" && !policy.IsSafeMediaURL(groupMediaURL, m.account.ServerBaseURL) {
		slog.Warn("monitor: unsafe media url excluded from media group", "account", m.account.AccountID, "error", policy.ErrUnsafeMediaURL)
		groupMediaURL = ""
	}
	if m.mediaGroup.TryBuffer(key, payload, channelID, env.Channel, groupMediaURL, isImage) {
		return
	}

	m.dispatch(ctx, payload, channelID, env.Channel, nil)
}

// onMediaGroupFlush runs when the media-group buffer emits a collapsed
// burst: the primary event is dispatched with the buffered extras attached.
func (m *Monitor) onMediaGroupFlush(entry mediagroup.Entry) {
	payload, ok := entry.Primary.(wsproto.MessageNewPayload)
	if !ok {
		return
	}
	m.dispatch(context.Background(), payload, entry.ChannelID, entry.WSChannel, entry.Extras)
}

func (m *Monitor) dispatch(ctx context.Context, payload wsproto.MessageNewPayload, channelID, wsChannel string, extras []string) {
	if !m.sem.TryAcquire(1) {
		slog.Warn("monitor: dropping message", "account", m.account.AccountID, "messageId", payload.MessageID, "error", ErrConcurrencyCap)
		if m.metrics != nil {
			m.metrics.DroppedTotal.WithLabelValues(m.account.AccountID, "concurrency_cap").Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.ActiveDispatches.WithLabelValues(m.account.AccountID).Inc()
	}

	go func() {
		defer m.sem.Release(1)
		defer func() {
			if m.metrics != nil {
				m.metrics.ActiveDispatches.WithLabelValues(m.account.AccountID).Dec()
			}
		}()

		_, isGroup := m.groupChannelIDs[channelID]
		in := pipeline.Input{
			MessageID:    payload.MessageID,
			ChannelID:    channelID,
			WSChannel:    wsChannel,
			IsGroup:      isGroup,
			AuthorID:     payload.AuthorID,
			SenderName:   payload.SenderName,
			Via:          payload.Content.Via,
			ContentType:  payload.Content.ContentType,
			Text:         payload.Content.Text,
			MediaURL:     payload.Content.MediaURL,
			MediaExtras:  extras,
			CreatedAt:    time.Now(),
		}
		if payload.ReplyTo != nil {
			in.ReplyPreview = payload.ReplyTo.TextPreview
		}

		deps := pipeline.Dependencies{
			CrossAccountDedup: m.crossAccountDedup,
			AccountDedup:      m.accountDedup,
			RateLimiter:       m.rateLimiter,
			VoiceWaiter:       m.voiceWaiter,
			Host:              m.host,
		}
		acct := pipeline.AccountContext{
			Account:        m.account,
			BotUserID:      m.botUserID,
			BotDisplayName: m.botDisplayName,
		}

		send := func(targetChannel, text string) error {
			if err := m.sendLimiter.Wait(ctx); err != nil {
				return err
			}
			err := m.send(sendFrame{Type: "send", Channel: targetChannel, Payload: sendFramePayload{Text: text}})
			if err == nil {
				m.status.MarkOutbound()
				if m.metrics != nil {
					m.metrics.OutboundTotal.WithLabelValues(m.account.AccountID).Inc()
				}
			}
			return err
		}
		typing := func(targetChannel string, thinking bool) error {
			status := wsproto.TypingStopped
			if thinking {
				status = wsproto.TypingThinking
			}
			return m.send(wsproto.TypingFrame{Type: "typing", Channel: targetChannel, Payload: wsproto.TypingFramePayload{Status: status}})
		}

		result := pipeline.Process(ctx, in, acct, deps, send, typing)
		if !result.Dispatched {
			reason := result.Reason
			if reason == "" {
				reason = "pipeline"
			}
			if kind, ok := dropErrors[reason]; ok {
				slog.Debug("monitor: message dropped", "account", m.account.AccountID, "messageId", payload.MessageID, "error", kind)
			}
			if m.metrics != nil {
				m.metrics.DroppedTotal.WithLabelValues(m.account.AccountID, reason).Inc()
			}
		}
	}()
}

func (m *Monitor) handleMessageUpdate(env wsproto.Envelope) {
	var payload wsproto.MessageUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Error("monitor: unparseable message:update payload", "error", err)
		return
	}
	if payload.MessageID == "" || payload.Text == "" {
		return
	}
	m.voiceWaiter.Resolve(payload.MessageID, payload.Text)
}

// handleVoiceTranscribed is the legacy-compat path: synthesize a
// message:new-shaped event with contentType "voice" and run it through the
// normal dispatch path, using the cached author id if the earlier voice
// message's author is still in the bounded cache.
func (m *Monitor) handleVoiceTranscribed(ctx context.Context, env wsproto.Envelope) {
	var payload wsproto.VoiceTranscribedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Error("monitor: unparseable voice:transcribed payload", "error", err)
		return
	}
	authorID, _ := m.authorCache.Get(payload.MessageID)
	channelID := payload.ChannelID
	if channelID == "" {
		if ch, ok := m.resolveChannelID(wsproto.MessageNewPayload{}, env.Channel); ok {
			channelID = ch
		} else {
			slog.Warn("monitor: unroutable voice:transcribed event dropped", "messageId", payload.MessageID)
			return
		}
	}
	synthesized := wsproto.MessageNewPayload{
		MessageID: payload.MessageID,
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   wsproto.Content{ContentType: "voice", Text: payload.Transcription},
	}
	m.dispatch(ctx, synthesized, channelID, env.Channel, nil)
}

func (m *Monitor) handleGroupMemberAdded(env wsproto.Envelope) {
	var payload wsproto.GroupMemberAddedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Error("monitor: unparseable group:member_added payload", "error", err)
		return
	}
	if payload.ChannelID == "" {
		return
	}
	m.groupChannelIDs[payload.ChannelID] = struct{}{}
	if err := m.send(wsproto.SubscribeFrame{Type: "subscribe", Channel: "channel:" + payload.ChannelID}); err != nil {
		slog.Warn("monitor: subscribe failed", "channel", payload.ChannelID, "error", err)
	}
}

// handlePairCreated refetches the pair list and subscribes any newly
// reported channel, leaving the existing set untouched to avoid needless
// unsubscription churn.
func (m *Monitor) handlePairCreated(ctx context.Context, env wsproto.Envelope) {
	pairs, err := m.client.Pairs(ctx)
	if err != nil {
		slog.Warn("monitor: pair list refresh failed", "error", err)
		return
	}
	for _, p := range pairs {
		if _, known := m.pairToChannel[p.PairID]; known {
			continue
		}
		m.pairToChannel[p.PairID] = p.ChannelID
		if err := m.send(wsproto.SubscribeFrame{Type: "subscribe", Channel: "channel:" + p.ChannelID}); err != nil {
			slog.Warn("monitor: subscribe failed", "channel", p.ChannelID, "error", err)
		}
	}
}

func (m *Monitor) readPump(conn *websocket.Conn, out chan<- wsproto.Envelope, errs chan<- error) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var env wsproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Error("monitor: unparseable frame", "error", err)
			continue
		}
		out <- env
	}
}

// send writes v as a JSON frame, first checking the socket is still open.
// Write failures are returned to the caller but never panic — the close
// handler (readPump's error path) is the single source of reconnect truth.
func (m *Monitor) send(v any) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("monitor: no open connection")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Monitor) closeConn() {
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
