// Package serverapi is a small Bearer-authed JSON REST client for the
// Server's control plane (§6): bot identity, conversation listing, pair
// listing, channel message catch-up, and a health probe. Every request runs
// through internal/fetchutil so retries and backoff are consistent with the
// rest of the gateway's outbound calls.
package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/hrygo/wristclaw-gateway/internal/fetchutil"
)

// idPattern is the charset the Server requires of channel and message ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id matches the Server's id charset.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// Client talks to one account's Server base URL.
type Client struct {
	baseURL string
	apiKey  string
	fetch   *fetchutil.Client
}

// New creates a Client for baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		fetch:   fetchutil.New(),
	}
}

// Identity is the response of GET /v1/me.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Conversation is one entry of GET /v1/conversations.
type Conversation struct {
	Type      string `json:"type"` // "pair" or "group"
	ChannelID string `json:"channel_id"`
	PairID    string `json:"pair_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Pair is one entry of GET /v1/pair/list.
type Pair struct {
	PairID    string         `json:"pair_id"`
	ChannelID string         `json:"channel_id"`
	User      map[string]any `json:"user,omitempty"`
}

// MessagePayload is the nested content object of an APIMessage.
type MessagePayload struct {
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
	MediaURL    string `json:"media_url"`
	DurationSec int    `json:"duration_sec"`
	Via         string `json:"via"`
}

// ReplyContext is the optional quoted-message context of an APIMessage.
type ReplyContext struct {
	MessageID   string `json:"message_id"`
	AuthorID    string `json:"author_id"`
	TextPreview string `json:"text_preview"`
}

// APIMessage is one entry of the channel catch-up response.
type APIMessage struct {
	MessageID    string        `json:"message_id"`
	AuthorID     string        `json:"author_id"`
	ChannelID    string        `json:"channel_id"`
	CreatedAt    string        `json:"created_at"`
	Payload      MessagePayload `json:"payload"`
	MediaURL     string        `json:"media_url,omitempty"`
	ReplyContext *ReplyContext `json:"reply_context,omitempty"`
}

// Health is the response of GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.fetch.Do(ctx, c.baseURL+path, fetchutil.Options{
		Method:  http.MethodGet,
		Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Me fetches the bot's own identity.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var identity Identity
	err := c.get(ctx, "/v1/me", &identity)
	return identity, err
}

// Conversations fetches every conversation the account participates in.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Pairs fetches the current pair list, used to refresh pairToChannel after
// a pair:created event.
func (c *Client) Pairs(ctx context.Context) ([]Pair, error) {
	var out struct {
		Pairs []Pair `json:"pairs"`
	}
	if err := c.get(ctx, "/v1/pair/list", &out); err != nil {
		return nil, err
	}
	return out.Pairs, nil
}

// MessagesAfter fetches up to 50 messages in channelID after afterID, used
// by catch-up. Both ids are checked against the Server's id charset first;
// an invalid id returns an error without sending a request.
func (c *Client) MessagesAfter(ctx context.Context, channelID, afterID string) ([]APIMessage, error) {
	if !ValidID(channelID) || !ValidID(afterID) {
		return nil, fmt.Errorf("invalid channel or message id")
	}
	path := fmt.Sprintf("/v1/channels/%s/messages?after=%s&limit=50", channelID, afterID)
	var out struct {
		Messages []APIMessage `json:"messages"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Health probes the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	return h, err
}

// WebSocketURL derives the account's WebSocket control-plane URL by
// swapping the http(s) scheme for ws(s) and appending /v1/ws.
func (c *Client) WebSocketURL() string {
	url := c.baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/v1/ws"
}
