// Package policy implements the access and safety primitives the monitor
// consults for every inbound event: echo detection, cross-account
// deduplication, DM/group gates, @mention detection, media-URL safety, and
// per-sender rate limiting. The gate, echo, mention and URL helpers are pure
// functions; CrossAccountDedup, AccountDedup and RateLimiter hold mutable
// state that every Claim/IsLimited call updates.
package policy

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/containers"
)

// ErrUnsafeMediaURL is the sentinel logged when a media URL fails the
// same-origin/relative-path check in IsSafeMediaURL.
var ErrUnsafeMediaURL = errors.New("policy: unsafe media url")

// IsEcho reports whether the event originated from the bot itself: either
// the nested content was sent "via" the gateway's own outbound path, or the
// author id matches the bot's own known user id.
func IsEcho(via, authorID, botUserID string) bool {
	if via == "openclaw" {
		return true
	}
	return botUserID != "" && authorID == botUserID
}

const (
	crossAccountDedupCapacity = 2000
	crossAccountDedupTTL      = 5 * time.Minute
)

// CrossAccountDedup is the single process-wide structure every account
// monitor shares to guarantee a messageId is dispatched at most once across
// the whole process, regardless of which account's subscription observed
// it. Claim is atomic against concurrent callers.
type CrossAccountDedup struct {
	mu      sync.Mutex
	claimed *containers.BoundedMap[string, time.Time]
}

// NewCrossAccountDedup creates an empty dedup structure. Construct exactly
// one per process and share it across account monitors.
func NewCrossAccountDedup() *CrossAccountDedup {
	return &CrossAccountDedup{
		claimed: containers.NewBoundedMap[string, time.Time](crossAccountDedupCapacity),
	}
}

// Claim reports true the first time messageId is claimed and false on every
// subsequent call. Entries older than 5 minutes are pruned opportunistically
// once the map is at capacity.
func (d *CrossAccountDedup) Claim(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.claimed.Get(messageID); ok {
		return false
	}
	if d.claimed.Len() >= crossAccountDedupCapacity {
		d.pruneExpiredLocked()
	}
	d.claimed.Set(messageID, time.Now())
	return true
}

func (d *CrossAccountDedup) pruneExpiredLocked() {
	cutoff := time.Now().Add(-crossAccountDedupTTL)
	for _, key := range d.claimed.Keys() {
		seenAt, ok := d.claimed.Get(key)
		if !ok {
			continue
		}
		if seenAt.Before(cutoff) {
			d.claimed.Delete(key)
		}
	}
}

// IsSafeMediaURL reports whether rawURL is safe to fetch: server-relative
// (begins with "/"), or an absolute URL whose hostname matches the
// account's own server hostname. An empty URL is never safe.
func IsSafeMediaURL(rawURL, serverBaseURL string) bool {
	if rawURL == "" {
		return false
	}
	if strings.HasPrefix(rawURL, "/") {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	base, err := url.Parse(serverBaseURL)
	if err != nil {
		return false
	}
	return parsed.Hostname() != "" && parsed.Hostname() == base.Hostname()
}

// ResolveMediaURL resolves a server-relative media URL against the
// account's base URL, leaving absolute URLs untouched.
func ResolveMediaURL(rawURL, serverBaseURL string) string {
	if rawURL == "" || !strings.HasPrefix(rawURL, "/") {
		return rawURL
	}
	base, err := url.Parse(serverBaseURL)
	if err != nil {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

// Gate is the access-gate verdict.
type Gate int

const (
	GateAllow Gate = iota
	GateDeny
	GateRecordOnly
)

// DMGate applies the direct-message access policy. The account owner is
// always allowed regardless of configured policy.
func DMGate(acct *config.Account, senderID string) Gate {
	if acct.IsOwner(senderID) {
		return GateAllow
	}
	switch acct.DMPolicy {
	case config.DMPolicyDisabled:
		return GateDeny
	case config.DMPolicyAllowlist:
		if allowlistContains(acct.DMAllowIDs, senderID) {
			return GateAllow
		}
		return GateDeny
	default: // open
		return GateAllow
	}
}

// GroupGate applies the group access policy, independent of the @mention
// check — callers with GateRecordOnly must separately run the mention
// detector to decide dispatch-vs-record.
func GroupGate(acct *config.Account, senderID string) Gate {
	if acct.GroupPolicy == config.GroupPolicyDisabled {
		return GateDeny
	}
	if len(acct.GroupAllowIDs) > 0 && !acct.IsOwner(senderID) {
		if !allowlistContains(acct.GroupAllowIDs, senderID) {
			return GateDeny
		}
	}
	switch acct.GroupPolicy {
	case config.GroupPolicyOpen:
		return GateAllow
	default: // mention
		return GateRecordOnly
	}
}

func allowlistContains(allow []string, id string) bool {
	for _, v := range allow {
		if v == "*" || v == id {
			return true
		}
	}
	return false
}

// MentionResult is the outcome of detectAndStripMention.
type MentionResult struct {
	Mentioned bool
	Stripped  string
}

// DetectAndStripMention checks text for a case-insensitive "@<name>" for
// any name in pool, and if found, strips every occurrence of "@<name>"
// (followed by optional whitespace) for every name in pool, returning the
// trimmed remainder.
func DetectAndStripMention(text string, pool []string) MentionResult {
	lower := strings.ToLower(text)
	mentioned := false
	for _, name := range pool {
		if name == "" {
			continue
		}
		if strings.Contains(lower, "@"+strings.ToLower(name)) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return MentionResult{Mentioned: false, Stripped: text}
	}

	stripped := text
	for _, name := range pool {
		if name == "" {
			continue
		}
		stripped = stripMentionOccurrences(stripped, name)
	}
	return MentionResult{Mentioned: true, Stripped: strings.TrimSpace(stripped)}
}

// stripMentionOccurrences removes every case-insensitive "@name" followed
// by optional whitespace from text.
func stripMentionOccurrences(text, name string) string {
	target := "@" + name
	var out strings.Builder
	lowerText := strings.ToLower(text)
	lowerTarget := strings.ToLower(target)

	i := 0
	for i < len(text) {
		idx := strings.Index(lowerText[i:], lowerTarget)
		if idx < 0 {
			out.WriteString(text[i:])
			break
		}
		start := i + idx
		out.WriteString(text[i:start])
		end := start + len(target)
		for end < len(text) && isSpace(text[end]) {
			end++
		}
		i = end
	}
	return out.String()
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// MentionPool builds the implicit mention pool for a group: the account's
// configured mention names, the bot's display name if known, and the
// literal "all".
func MentionPool(mentionNames []string, botDisplayName string) []string {
	pool := make([]string, 0, len(mentionNames)+2)
	pool = append(pool, mentionNames...)
	if botDisplayName != "" {
		pool = append(pool, strings.ToLower(botDisplayName))
	}
	pool = append(pool, "all")
	return pool
}
