// Package pipeline implements processMessage (§4.6): the ordered sequence
// of policy gates, body building, media handling, routing, and dispatch
// that turns one inbound event into at most one agent dispatch. Any early
// return is a silent drop, never an error.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/history"
	"github.com/hrygo/wristclaw-gateway/internal/hostrt"
	"github.com/hrygo/wristclaw-gateway/internal/policy"
	"github.com/hrygo/wristclaw-gateway/internal/voicewaiter"
)

// AccountContext carries the per-account state the pipeline needs that
// isn't itself a dependency shared across accounts.
type AccountContext struct {
	Account        *config.Account
	BotUserID      string
	BotDisplayName string
}

// Dependencies are the process/account-level components the pipeline
// shares with the rest of the monitor.
type Dependencies struct {
	CrossAccountDedup *policy.CrossAccountDedup
	AccountDedup      *policy.AccountDedup
	RateLimiter       *policy.RateLimiter
	VoiceWaiter       *voicewaiter.Registry
	Host              hostrt.HostRuntime
}

// Input is one inbound event, already resolved to a concrete channel.
type Input struct {
	MessageID    string
	ChannelID    string
	WSChannel    string
	IsGroup      bool
	AuthorID     string
	SenderName   string
	Via          string
	ContentType  string
	Text         string
	MediaURL     string
	MediaExtras  []string
	ReplyPreview string
	CreatedAt    time.Time

	// VoiceFallbackText, when non-empty, is used as the voice message body
	// if transcription never arrives. Absent callers get the spec's
	// default (drop) behavior — see Design Note §9, item 2.
	VoiceFallbackText string
}

// Drop reasons a caller can map to its own error-kind taxonomy (§7). These
// are plain strings, not errors, so this package never needs to import the
// monitor package that owns the corresponding sentinel errors.
const (
	ReasonEcho         = "echo"
	ReasonDedup        = "dedup"
	ReasonAccessDenied = "access_denied"
	ReasonRateLimited  = "rate_limited"
	ReasonEmptyBody    = "empty_body"
	ReasonMentionGate  = "mention_gate"
)

// Result reports what the pipeline did with one event, primarily for
// tests and the status sink. Reason is set whenever Dispatched is false.
type Result struct {
	Dispatched bool
	Dispatch   hostrt.DispatchContext
	Reason     string
}

// Process runs the full ordered pipeline for in.
func Process(ctx context.Context, in Input, acct AccountContext, deps Dependencies, send hostrt.SendFunc, typing hostrt.TypingFunc) Result {
	// Step 1 is the caller's job: in is already parsed/resolved.

	// Step 2: echo.
	if policy.IsEcho(in.Via, in.AuthorID, acct.BotUserID) {
		return Result{Reason: ReasonEcho}
	}

	// Step 3: cross-account claim.
	if !deps.CrossAccountDedup.Claim(in.MessageID) {
		return Result{Reason: ReasonDedup}
	}

	// Step 4: per-account dedup claim.
	if !deps.AccountDedup.Claim(in.MessageID) {
		return Result{Reason: ReasonDedup}
	}

	// Step 5: access gate.
	isOwner := acct.Account.IsOwner(in.AuthorID)
	var gate policy.Gate
	if in.IsGroup {
		gate = policy.GroupGate(acct.Account, in.AuthorID)
	} else {
		gate = policy.DMGate(acct.Account, in.AuthorID)
	}
	if gate == policy.GateDeny {
		return Result{Reason: ReasonAccessDenied}
	}

	// Step 6: rate limit.
	if deps.RateLimiter.IsLimited(in.AuthorID) {
		return Result{Reason: ReasonRateLimited}
	}

	// Step 7: body building.
	body, ok := buildBody(ctx, in, deps)
	if !ok {
		return Result{Reason: ReasonEmptyBody}
	}

	// Step 8: image media fetch.
	var mediaPaths []string
	if in.ContentType == "image" && (in.MediaURL != "" || len(in.MediaExtras) > 0) {
		mediaPaths = fetchImages(ctx, in, acct, deps)
	}

	// Step 9: @mention gate for groups with policy "mention".
	mentionTriggered := false
	if in.IsGroup && acct.Account.GroupPolicy == config.GroupPolicyMention && gate == policy.GateRecordOnly {
		pool := policy.MentionPool(acct.Account.MentionNames, acct.BotDisplayName)
		result := policy.DetectAndStripMention(body, pool)
		if !result.Mentioned {
			deps.Host.RecordPendingHistoryEntryIfEnabled(acct.Account, in.ChannelID, history.HistoryEntry{
				Sender:    in.SenderName,
				Body:      body,
				Timestamp: in.CreatedAt,
				MessageID: in.MessageID,
			})
			return Result{Reason: ReasonMentionGate}
		}
		body = result.Stripped
		if body == "" {
			return Result{Reason: ReasonEmptyBody}
		}
		mentionTriggered = true
	}

	// Step 10: reply-context prefix.
	if prefix := deps.Host.CreateReplyPrefixOptions(in.ReplyPreview); prefix != "" {
		body = prefix + body
	}

	// Step 11: agent routing.
	route := deps.Host.ResolveAgentRoute(ctx, hostrt.RouteInput{
		Account:   acct.Account,
		ChannelID: in.ChannelID,
		IsOwner:   isOwner,
		IsGroup:   in.IsGroup,
	})

	// Step 12: envelope + history context.
	var histEntries []history.HistoryEntry
	if in.IsGroup {
		histEntries = deps.Host.BuildPendingHistoryContextFromMap(in.ChannelID)
	}
	storePath := deps.Host.ResolveStorePath(acct.Account.AccountID, in.ChannelID)
	priorAt, _ := deps.Host.ReadSessionUpdatedAt(storePath)
	envelope := deps.Host.FormatAgentEnvelope(hostrt.EnvelopeInput{
		ChannelName:    in.ChannelID,
		SenderLabel:    senderLabel(in),
		Now:            in.CreatedAt,
		PriorSessionAt: priorAt,
		Body:           body,
		HistoryEntries: histEntries,
	})

	dc := hostrt.DispatchContext{
		SessionKey:        route.SessionKey,
		AgentID:           route.AgentID,
		ChannelID:         in.ChannelID,
		CommandAuthorized: isOwner,
		BodyForAgent:      body,
		Envelope:          envelope,
		InboundHistory:    histEntries,
		MediaPaths:        mediaPaths,
	}
	dc = deps.Host.FinalizeInboundContext(dc)

	// Step 13: record inbound session (errors logged, non-fatal).
	if err := deps.Host.RecordInboundSession(storePath, in.CreatedAt); err != nil {
		slog.Warn("pipeline: record inbound session failed", "channel", in.ChannelID, "error", err)
	}

	// Step 14: dispatch.
	if err := deps.Host.DispatchReplyWithBufferedBlockDispatcher(ctx, dc, send, typing); err != nil {
		slog.Warn("pipeline: dispatch failed", "channel", in.ChannelID, "error", err)
	}

	// Step 15: finalize.
	if mentionTriggered {
		deps.Host.ClearHistoryEntriesIfEnabled(in.ChannelID)
	}

	return Result{Dispatched: true, Dispatch: dc}
}

func senderLabel(in Input) string {
	if in.SenderName != "" {
		return in.SenderName
	}
	return in.AuthorID
}

// buildBody implements §4.6 step 7.
func buildBody(ctx context.Context, in Input, deps Dependencies) (string, bool) {
	switch in.ContentType {
	case "", "text":
		body := strings.TrimSpace(in.Text)
		if body == "" {
			return "", false
		}
		return body, true

	case "voice":
		if text := strings.TrimSpace(in.Text); text != "" {
			return text, true
		}
		text := deps.VoiceWaiter.Wait(in.MessageID)
		text = strings.TrimSpace(text)
		if text != "" {
			return text, true
		}
		if in.VoiceFallbackText != "" {
			return in.VoiceFallbackText, true
		}
		return "", false

	case "image":
		if text := strings.TrimSpace(in.Text); text != "" {
			return text, true
		}
		n := 1 + len(in.MediaExtras)
		if n > 1 {
			return fmt.Sprintf("📷 %d 張圖片", n), true
		}
		return "📷 圖片", true

	case "interactive":
		if text := strings.TrimSpace(in.Text); text != "" {
			return text, true
		}
		return "📋 互動訊息", true

	default:
		body := strings.TrimSpace(in.Text)
		if body == "" {
			return "", false
		}
		return body, true
	}
}

// fetchImages implements §4.6 step 8.
func fetchImages(ctx context.Context, in Input, acct AccountContext, deps Dependencies) []string {
	urls := make([]string, 0, 1+len(in.MediaExtras))
	if in.MediaURL != "" {
		urls = append(urls, in.MediaURL)
	}
	urls = append(urls, in.MediaExtras...)

	var paths []string
	for _, u := range urls {
		resolved := policy.ResolveMediaURL(u, acct.Account.ServerBaseURL)
		if !policy.IsSafeMediaURL(resolved, acct.Account.ServerBaseURL) {
			slog.Warn("pipeline: media url rejected", "url", u, "error", policy.ErrUnsafeMediaURL)
			continue
		}
		const maxImageBytes = 10 << 20
		data, contentType, err := deps.Host.FetchRemoteMedia(ctx, resolved, maxImageBytes)
		if err != nil {
			slog.Warn("pipeline: media fetch failed", "url", resolved, "error", err)
			continue
		}
		path, err := deps.Host.SaveMediaBuffer(data, contentType, "inbound")
		if err != nil {
			slog.Warn("pipeline: media save failed", "url", resolved, "error", err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}
