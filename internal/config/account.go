// Package config loads and holds the per-account configuration the monitor
// is driven by: server credentials, DM/group access policy, mention names,
// and history limits (§3 of the gateway spec).
package config

import "strings"

// DMPolicy controls who may DM the bot.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how the bot participates in group conversations.
type GroupPolicy string

const (
	GroupPolicyMention  GroupPolicy = "mention"
	GroupPolicyOpen     GroupPolicy = "open"
	GroupPolicyDisabled GroupPolicy = "disabled"
)

// defaultGroupHistoryLimit is the number of buffered group messages handed
// to the agent as context once a mention finally triggers a reply.
const defaultGroupHistoryLimit = 20

// Account is one configured set of credentials and policies the monitor
// drives a single WebSocket session for.
type Account struct {
	AccountID string `yaml:"account_id"`

	ServerBaseURL string `yaml:"server_base_url"`
	APIKey        string `yaml:"api_key"`
	// APIKeyEncrypted, when set instead of APIKey, is decrypted with the
	// process secret key on load (see crypto.go).
	APIKeyEncrypted string `yaml:"api_key_encrypted"`

	OwnerUserID string `yaml:"owner_user_id"`

	DMPolicy   DMPolicy `yaml:"dm_policy"`
	DMAllowIDs []string `yaml:"dm_allowlist"`

	GroupPolicy    GroupPolicy `yaml:"group_policy"`
	GroupAllowIDs  []string    `yaml:"group_allowlist"`
	MentionNames   []string    `yaml:"mention_names"`
	GroupHistoryN  int         `yaml:"group_history_limit"`
	SecretaryAgent string      `yaml:"secretary_agent_id"`
}

// Normalize applies the spec's defaults (§3: DM policy defaults to "open",
// group policy defaults to "mention", history limit defaults to 20) and
// lower-cases mention names since mention matching is case-insensitive.
func (a *Account) Normalize() {
	if a.DMPolicy == "" {
		a.DMPolicy = DMPolicyOpen
	}
	if a.GroupPolicy == "" {
		a.GroupPolicy = GroupPolicyMention
	}
	if a.GroupHistoryN <= 0 {
		a.GroupHistoryN = defaultGroupHistoryLimit
	}
	for i, name := range a.MentionNames {
		a.MentionNames[i] = strings.ToLower(name)
	}
}

// IsOwner reports whether senderID is the account's configured owner.
func (a *Account) IsOwner(senderID string) bool {
	return a.OwnerUserID != "" && senderID == a.OwnerUserID
}
