package hostrt

import (
	"fmt"
	"strings"
	"time"
)

const replyPreviewMaxLen = 100

// CreateReplyPrefixOptions builds the bracketed quoted-content prefix for a
// reply-to preview (§4.6 step 10): the preview is capped at 100 chars, ASCII
// control bytes other than tab/newline/carriage-return are stripped, and
// the result is followed by a newline so it reads as its own line above the
// body.
func CreateReplyPrefixOptions(preview string) string {
	if preview == "" {
		return ""
	}
	runes := []rune(preview)
	if len(runes) > replyPreviewMaxLen {
		runes = runes[:replyPreviewMaxLen]
	}
	cleaned := stripControlBytes(string(runes))
	if cleaned == "" {
		return ""
	}
	return fmt.Sprintf("[回覆: %s]\n", cleaned)
}

func stripControlBytes(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	for _, b := range []byte(s) {
		if b <= 0x1f && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		out.WriteByte(b)
	}
	return out.String()
}

// FormatAgentEnvelope wraps the body with channel/sender/time context and,
// for groups with buffered history, prepends a rendered transcript.
func FormatAgentEnvelope(in EnvelopeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\n", in.ChannelName)
	fmt.Fprintf(&b, "From: %s\n", in.SenderLabel)
	fmt.Fprintf(&b, "Time: %s\n", in.Now.Format(time.RFC3339))
	if !in.PriorSessionAt.IsZero() {
		fmt.Fprintf(&b, "Last seen: %s\n", in.PriorSessionAt.Format(time.RFC3339))
	}
	if len(in.HistoryEntries) > 0 {
		b.WriteString("\n--- recent history ---\n")
		for _, e := range in.HistoryEntries {
			fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format("15:04"), e.Sender, e.Body)
		}
		b.WriteString("--- end history ---\n")
	}
	b.WriteString("\n")
	b.WriteString(in.Body)
	return b.String()
}
