package hostrt

import (
	"context"
	"testing"

	"github.com/hrygo/wristclaw-gateway/internal/config"
)

func TestResolveAgentRouteOwnerDirect(t *testing.T) {
	r := NewRouter()
	result := r.ResolveAgentRoute(context.Background(), RouteInput{
		Account:   &config.Account{},
		ChannelID: "ch-1",
		IsOwner:   true,
	})
	if result.SessionKey != "agent:wristclaw:direct:ch:ch-1" {
		t.Errorf("got session key %q", result.SessionKey)
	}
	if result.AgentID != defaultRouteAgent {
		t.Errorf("owner should route to the default agent, got %q", result.AgentID)
	}
}

func TestResolveAgentRouteVisitorUsesSecretaryAgent(t *testing.T) {
	r := NewRouter()
	result := r.ResolveAgentRoute(context.Background(), RouteInput{
		Account:   &config.Account{SecretaryAgent: "secretary-1"},
		ChannelID: "ch-2",
		IsOwner:   false,
		IsGroup:   true,
	})
	if result.AgentID != "secretary-1" {
		t.Errorf("got agent %q, want secretary-1", result.AgentID)
	}
	if result.SessionKey != "agent:wristclaw:group:ch:ch-2" {
		t.Errorf("got session key %q", result.SessionKey)
	}
}

func TestResolveAgentRouteVisitorNoSecretaryFallsBackToDefault(t *testing.T) {
	r := NewRouter()
	result := r.ResolveAgentRoute(context.Background(), RouteInput{
		Account:   &config.Account{},
		ChannelID: "ch-3",
		IsOwner:   false,
	})
	if result.AgentID != defaultRouteAgent {
		t.Errorf("got agent %q, want default", result.AgentID)
	}
}
