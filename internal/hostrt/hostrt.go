// Package hostrt defines the HostRuntime capability set the message
// pipeline consumes (§6) and provides one concrete, fully-wired
// implementation so the gateway is runnable standalone without a real
// conversational-AI host attached. The host runtime proper — agent
// orchestration, persistent session storage — is an external collaborator;
// this package only needs to present its interface faithfully and behave
// sensibly when exercised directly.
package hostrt

import (
	"context"
	"time"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/history"
)

// RouteInput is the input to ResolveAgentRoute.
type RouteInput struct {
	Account   *config.Account
	ChannelID string
	IsOwner   bool
	IsGroup   bool
}

// RouteResult is the resolved agent route.
type RouteResult struct {
	AgentID    string
	SessionKey string
}

// EnvelopeInput is the input to FormatAgentEnvelope.
type EnvelopeInput struct {
	ChannelName       string
	SenderLabel       string
	Now               time.Time
	PriorSessionAt    time.Time
	Body              string
	HistoryEntries    []history.HistoryEntry
}

// DispatchContext is the fully-assembled payload handed to the agent
// dispatcher, and returned (enriched) by FinalizeInboundContext.
type DispatchContext struct {
	SessionKey        string
	AgentID           string
	ChannelID         string
	CommandAuthorized bool
	BodyForAgent      string
	Envelope          string
	InboundHistory    []history.HistoryEntry
	MediaPaths        []string
}

// ChunkMode controls how ChunkMarkdownText splits long replies.
type ChunkMode int

const (
	ChunkModePlain ChunkMode = iota
	ChunkModeMarkdownTable
)

// MaxChunkLen is the maximum length of one outbound reply chunk (§4.6 step 14).
const MaxChunkLen = 4000

// SendFunc delivers one outbound chunk to channelID.
type SendFunc func(channelID, text string) error

// TypingFunc reports the bot's current composing state for channelID.
type TypingFunc func(channelID string, thinking bool) error

// HostRuntime is the capability set §6 names; the message pipeline depends
// only on this interface, never on a concrete host implementation.
type HostRuntime interface {
	ResolveAgentRoute(ctx context.Context, in RouteInput) RouteResult

	ResolveStorePath(accountID, channelID string) string
	ReadSessionUpdatedAt(storePath string) (time.Time, bool)
	RecordInboundSession(storePath string, at time.Time) error

	ResolveEnvelopeFormatOptions(acct *config.Account) ChunkMode
	FormatAgentEnvelope(in EnvelopeInput) string
	CreateReplyPrefixOptions(replyPreview string) string
	FinalizeInboundContext(dc DispatchContext) DispatchContext

	ConvertMarkdownTables(text string) string
	ResolveChunkMode(acct *config.Account) ChunkMode
	ChunkMarkdownText(text string, mode ChunkMode) []string

	DispatchReplyWithBufferedBlockDispatcher(ctx context.Context, dc DispatchContext, send SendFunc, typing TypingFunc) error

	FetchRemoteMedia(ctx context.Context, url string, maxBytes int64) ([]byte, string, error)
	SaveMediaBuffer(buf []byte, contentType, bucket string) (string, error)

	RecordPendingHistoryEntryIfEnabled(acct *config.Account, channelID string, entry history.HistoryEntry)
	BuildPendingHistoryContextFromMap(channelID string) []history.HistoryEntry
	ClearHistoryEntriesIfEnabled(channelID string)
}
