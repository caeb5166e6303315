package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/history"
	"github.com/hrygo/wristclaw-gateway/internal/hostrt"
	"github.com/hrygo/wristclaw-gateway/internal/pipeline"
	"github.com/hrygo/wristclaw-gateway/internal/wsproto"
)

// passthroughHost is a minimal HostRuntime that records every dispatched
// body it's asked to deliver, for assertions.
type passthroughHost struct {
	mu  sync.Mutex
	got []string
}

func (h *passthroughHost) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

func (h *passthroughHost) ResolveAgentRoute(ctx context.Context, in hostrt.RouteInput) hostrt.RouteResult {
	return hostrt.RouteResult{AgentID: "default", SessionKey: "agent:wristclaw:direct:ch:" + in.ChannelID}
}
func (h *passthroughHost) ResolveStorePath(accountID, channelID string) string { return accountID + "/" + channelID }
func (h *passthroughHost) ReadSessionUpdatedAt(storePath string) (time.Time, bool) { return time.Time{}, false }
func (h *passthroughHost) RecordInboundSession(storePath string, at time.Time) error { return nil }
func (h *passthroughHost) ResolveEnvelopeFormatOptions(acct *config.Account) hostrt.ChunkMode {
	return hostrt.ChunkModePlain
}
func (h *passthroughHost) FormatAgentEnvelope(in hostrt.EnvelopeInput) string { return in.Body }
func (h *passthroughHost) CreateReplyPrefixOptions(preview string) string    { return "" }
func (h *passthroughHost) FinalizeInboundContext(dc hostrt.DispatchContext) hostrt.DispatchContext {
	return dc
}
func (h *passthroughHost) ConvertMarkdownTables(text string) string             { return text }
func (h *passthroughHost) ResolveChunkMode(acct *config.Account) hostrt.ChunkMode { return hostrt.ChunkModePlain }
func (h *passthroughHost) ChunkMarkdownText(text string, mode hostrt.ChunkMode) []string {
	return []string{text}
}
func (h *passthroughHost) DispatchReplyWithBufferedBlockDispatcher(ctx context.Context, dc hostrt.DispatchContext, send hostrt.SendFunc, typing hostrt.TypingFunc) error {
	h.mu.Lock()
	h.got = append(h.got, dc.BodyForAgent)
	h.mu.Unlock()
	return send(dc.ChannelID, dc.Envelope)
}
func (h *passthroughHost) FetchRemoteMedia(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	return nil, "", nil
}
func (h *passthroughHost) SaveMediaBuffer(buf []byte, contentType, bucket string) (string, error) {
	return "", nil
}
func (h *passthroughHost) RecordPendingHistoryEntryIfEnabled(acct *config.Account, channelID string, entry history.HistoryEntry) {
}
func (h *passthroughHost) BuildPendingHistoryContextFromMap(channelID string) []history.HistoryEntry {
	return nil
}
func (h *passthroughHost) ClearHistoryEntriesIfEnabled(channelID string) {}

var _ hostrt.HostRuntime = (*passthroughHost)(nil)

func TestDropErrorsCoverEveryMappedReason(t *testing.T) {
	want := map[string]error{
		pipeline.ReasonEcho:         ErrEcho,
		pipeline.ReasonDedup:        ErrDedup,
		pipeline.ReasonAccessDenied: ErrAccessDenied,
		pipeline.ReasonRateLimited:  ErrRateLimited,
	}
	for reason, sentinel := range want {
		got, ok := dropErrors[reason]
		if !ok {
			t.Errorf("missing dropErrors entry for reason %q", reason)
			continue
		}
		if !errors.Is(got, sentinel) {
			t.Errorf("dropErrors[%q] = %v, want %v", reason, got, sentinel)
		}
	}
}

func TestResolveChannelIDPrecedence(t *testing.T) {
	m := New(Config{Account: &config.Account{AccountID: "a"}, Host: &passthroughHost{}})
	m.pairToChannel["pair-1"] = "ch-from-pair"

	if ch, ok := m.resolveChannelID(wsproto.MessageNewPayload{ChannelID: "ch-direct"}, "channel:ch-other"); !ok || ch != "ch-direct" {
		t.Errorf("expected direct channelId to win, got %q, %v", ch, ok)
	}
	if ch, ok := m.resolveChannelID(wsproto.MessageNewPayload{PairID: "pair-1"}, "channel:ch-other"); !ok || ch != "ch-from-pair" {
		t.Errorf("expected pair lookup to resolve, got %q, %v", ch, ok)
	}
	if ch, ok := m.resolveChannelID(wsproto.MessageNewPayload{}, "channel:ch-stripped"); !ok || ch != "ch-stripped" {
		t.Errorf("expected wsChannel-stripped fallback, got %q, %v", ch, ok)
	}
	if _, ok := m.resolveChannelID(wsproto.MessageNewPayload{}, "user:something"); ok {
		t.Error("expected unroutable event to fail resolution")
	}
}

func TestWSURLRefusesCleartextToRemoteHost(t *testing.T) {
	m := New(Config{Account: &config.Account{AccountID: "a", ServerBaseURL: "http://example.com", APIKey: "k"}, Host: &passthroughHost{}})
	if _, err := m.wsURL(); err == nil {
		t.Error("expected ws:// to a remote host to be refused")
	}
}

func TestWSURLAllowsCleartextToLocalhost(t *testing.T) {
	m := New(Config{Account: &config.Account{AccountID: "a", ServerBaseURL: "http://localhost:8080", APIKey: "k"}, Host: &passthroughHost{}})
	url, err := m.wsURL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(url, "ws://localhost") {
		t.Errorf("got %q", url)
	}
}

// fakeServer stands in for the Server's REST + WS control plane: GET
// /v1/me, GET /v1/conversations, and a WS upgrade at /v1/ws that sends
// `authenticated` on receiving `auth`, then emits one message:new event.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"user_id": "bot-1", "display_name": "bot"})
	})
	mux.HandleFunc("/v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []map[string]any{
				{"type": "pair", "channel_id": "ch-1"},
			},
		})
	})
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		var authFrame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&authFrame); err != nil {
			return
		}
		conn.WriteJSON(map[string]string{"type": "authenticated"})

		// Drain subscribe frames, then push one message:new event.
		deadline := time.Now().Add(2 * time.Second)
		conn.SetReadDeadline(deadline)
		for i := 0; i < 2; i++ {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				break
			}
		}

		conn.WriteJSON(map[string]any{
			"type": "message:new",
			"payload": map[string]any{
				"messageId": "m1",
				"channelId": "ch-1",
				"authorId":  "u1",
				"content":   map[string]any{"contentType": "text", "text": "hello gateway"},
			},
		})

		// Keep the connection open briefly so the client can process it.
		time.Sleep(300 * time.Millisecond)
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeServer) baseURL() string {
	return f.srv.URL
}

func (f *fakeServer) close() {
	f.srv.Close()
}

func TestMonitorConnectAuthenticateAndDispatch(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	host := &passthroughHost{}
	acct := &config.Account{AccountID: "acct-1", ServerBaseURL: fs.baseURL(), APIKey: "test-key", DMPolicy: config.DMPolicyOpen}
	m := New(Config{Account: acct, Host: host})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(host.sent()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	sent := host.sent()
	if len(sent) == 0 {
		t.Fatal("expected the message:new event to reach the host as a dispatch")
	}
	if sent[0] != "hello gateway" {
		t.Errorf("got body %q", sent[0])
	}

	m.Stop()
	cancel()
	<-done
}
