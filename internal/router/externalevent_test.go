package router

import "testing"

func TestSuggestCapabilityMatchesKeyword(t *testing.T) {
	if got := SuggestCapability([]byte("a bug was found during testing")); got != "quality" {
		t.Errorf("SuggestCapability() = %s, want quality", got)
	}
}

func TestSuggestCapabilityReturnsEmptyWhenNoKeywordMatches(t *testing.T) {
	if got := SuggestCapability([]byte("hello there")); got != "" {
		t.Errorf("SuggestCapability() = %s, want empty", got)
	}
}

func TestToMessageRoutesToInferredCapability(t *testing.T) {
	r, dir, _ := newTestRouter(t)
	dir.Register(onlineAgent("a1", "quality"))

	ev := ExternalEvent{
		Provider:  "ci",
		EventType: "test_failed",
		Content:   []byte("a test failure was reported"),
		Metadata:  map[string]string{},
	}
	m, err := r.ToMessage(ev)
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}
	if m.Recipient != "a1" {
		t.Errorf("Recipient = %s, want a1", m.Recipient)
	}
	if m.Metadata["provider"] != "ci" {
		t.Errorf("Metadata[provider] = %s, want ci", m.Metadata["provider"])
	}
}

func TestToMessageErrorsWhenNoAgentAvailable(t *testing.T) {
	r, _, _ := newTestRouter(t)
	ev := ExternalEvent{Provider: "ci", Content: []byte("nothing matches here")}
	if _, err := r.ToMessage(ev); err == nil {
		t.Error("ToMessage() should error when no agent is available to route to")
	}
}
