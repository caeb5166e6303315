package hostrt

import (
	"context"
	"fmt"
)

// defaultRouteAgent is the agent id used when no secretary agent is
// configured for a non-owner sender.
const defaultRouteAgent = "default"

// wristclawSessionNamespace is the fixed channel-id segment used in every
// session key — not the agent id — so session identity survives agent
// routing changes (§4.6 step 11).
const wristclawSessionNamespace = "wristclaw"

// Router resolves an inbound message to an agent id and a stable session
// key, adapted from the rule-based owner/visitor routing split used
// elsewhere in the stack's agent-routing layer.
type Router struct{}

// NewRouter creates a Router.
func NewRouter() *Router { return &Router{} }

// ResolveAgentRoute implements HostRuntime.ResolveAgentRoute.
func (r *Router) ResolveAgentRoute(ctx context.Context, in RouteInput) RouteResult {
	agentID := defaultRouteAgent
	if !in.IsOwner && in.Account.SecretaryAgent != "" {
		agentID = in.Account.SecretaryAgent
	}

	kind := "direct"
	if in.IsGroup {
		kind = "group"
	}
	sessionKey := fmt.Sprintf("agent:%s:%s:ch:%s", wristclawSessionNamespace, kind, in.ChannelID)

	return RouteResult{AgentID: agentID, SessionKey: sessionKey}
}
