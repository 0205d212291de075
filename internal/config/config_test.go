package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.QueueMaxSize() != 10000 {
		t.Errorf("QueueMaxSize() = %d, want 10000", cfg.QueueMaxSize())
	}
	if cfg.RegistryTTL() != 300*time.Second {
		t.Errorf("RegistryTTL() = %s, want 300s", cfg.RegistryTTL())
	}
	if cfg.LBAlgorithm() != "health-weighted" {
		t.Errorf("LBAlgorithm() = %q, want health-weighted", cfg.LBAlgorithm())
	}
}

func TestValidate(t *testing.T) {
	cfg := NewTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on default test config = %v, want nil", err)
	}

	cfg.SetLBAlgorithm("bogus")
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with bad algorithm = nil, want error")
	}
}

func TestRuntimeMutation(t *testing.T) {
	cfg := NewTestConfig()
	cfg.SetRegistryTTL(10 * time.Second)
	if got := cfg.RegistryTTL(); got != 10*time.Second {
		t.Errorf("RegistryTTL() after set = %s, want 10s", got)
	}
}

func TestWebAuthnOriginList(t *testing.T) {
	cfg := NewTestConfig()
	cfg.WebAuthnOrigins = "https://a.example, https://b.example"
	got := cfg.WebAuthnOriginList()
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("WebAuthnOriginList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WebAuthnOriginList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
