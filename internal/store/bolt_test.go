package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.SaveSetting("lb_algorithm", "round_robin"); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}

	got, err := s.LoadSetting("lb_algorithm")
	if err != nil {
		t.Fatalf("LoadSetting: %v", err)
	}
	if got != "round_robin" {
		t.Errorf("got %q, want %q", got, "round_robin")
	}
}

func TestSettingsMissing(t *testing.T) {
	s := testStore(t)

	got, err := s.LoadSetting("nonexistent")
	if err != nil {
		t.Fatalf("LoadSetting: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestSettingsOverwrite(t *testing.T) {
	s := testStore(t)

	if err := s.SaveSetting("key", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSetting("key", "second"); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSetting("key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("got %q, want %q", got, "second")
	}
}

func TestAuditRoundTrip(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	entries := []AuditEntry{
		{Timestamp: now.Add(-2 * time.Minute), Actor: "operator1", Action: "force_deregister", Target: "agent-a"},
		{Timestamp: now.Add(-1 * time.Minute), Actor: "operator1", Action: "set_dependencies", Target: "agent-b", Detail: "db,cache"},
		{Timestamp: now, Actor: "operator2", Action: "force_deregister", Target: "agent-c"},
	}

	for _, e := range entries {
		if err := s.AppendAudit(e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}

	// Newest first.
	if got[0].Target != "agent-c" {
		t.Errorf("first entry target = %q, want agent-c", got[0].Target)
	}
	if got[2].Target != "agent-a" {
		t.Errorf("last entry target = %q, want agent-a", got[2].Target)
	}
}

func TestAuditListLimit(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		entry := AuditEntry{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Actor:     "operator1",
			Action:    "heartbeat",
			Target:    "agent-x",
		}
		if err := s.AppendAudit(entry); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListAudit(2)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
}

func TestAuditDefaultsTimestamp(t *testing.T) {
	s := testStore(t)

	if err := s.AppendAudit(AuditEntry{Actor: "operator1", Action: "login"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	got, err := s.ListAudit(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected AppendAudit to default the timestamp")
	}
}

func TestAuditEmpty(t *testing.T) {
	s := testStore(t)

	got, err := s.ListAudit(10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries, want 0", len(got))
	}
}
