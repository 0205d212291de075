package router

import (
	"strings"

	"github.com/agentfabric/fabric/internal/queue"
)

// ExternalEvent is a verified inbound webhook payload, already past HMAC
// signature verification, awaiting translation into a routed Message.
type ExternalEvent struct {
	Provider  string
	EventType string
	Content   []byte
	Metadata  map[string]string
}

// capabilityKeywords mirrors the content-sniffing used for smart routing
// suggestions: the first matching capability wins.
var capabilityKeywords = []struct {
	capability string
	keywords   []string
}{
	{"quality", []string{"quality", "test", "bug", "error"}},
	{"orchestration", []string{"orchestrat", "coordinat", "manage"}},
	{"documentation", []string{"document", "readme", "guide"}},
	{"integration", []string{"deploy", "integrat", "production"}},
	{"intelligence", []string{"analyz", "intelligence", "insight"}},
}

// SuggestCapability inspects content and returns the first capability
// whose keyword set it matches, or "" if none match.
func SuggestCapability(content []byte) string {
	lower := strings.ToLower(string(content))
	for _, ck := range capabilityKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				return ck.capability
			}
		}
	}
	return ""
}

// ToMessage translates a verified ExternalEvent into a Message and routes
// it through r the same as any other message. The capability inferred from
// the content (SuggestCapability, "orchestration" if none) is only the
// placeholder recipient: Route replaces it by rule match or online-agent
// fallback, so the chosen agent need not advertise that capability. The
// event's provider and type are preserved in metadata.
func (r *Router) ToMessage(ev ExternalEvent) (*queue.Message, error) {
	capability := SuggestCapability(ev.Content)
	if capability == "" {
		capability = "orchestration"
	}

	m, err := queue.NewMessage("webhook:"+ev.Provider, capability, ev.Content, queue.PriorityMedium)
	if err != nil {
		return nil, err
	}
	for k, v := range ev.Metadata {
		m.Metadata[k] = v
	}
	m.Metadata["source"] = "webhook"
	m.Metadata["provider"] = ev.Provider
	m.Metadata["event_type"] = ev.EventType

	if err := r.Route(m); err != nil {
		return nil, err
	}
	return m, nil
}
