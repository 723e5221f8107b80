package httputil

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 120*time.Second {
		t.Errorf("Timeout = %v, want 120s", cfg.Timeout)
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", cfg.DialTimeout)
	}
	if cfg.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 30s", cfg.ResponseHeaderTimeout)
	}
	if cfg.MaxIdleConnsPerHost != 10 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 10", cfg.MaxIdleConnsPerHost)
	}
}

func TestNewClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 60 * time.Second

	client := NewClient(cfg)
	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", client.Timeout)
	}
	if client.Transport == nil {
		t.Error("Transport should not be nil")
	}
}

func TestStreamingClientHasNoOverallTimeout(t *testing.T) {
	client := StreamingClient()
	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 so SSE responses can outlive it", client.Timeout)
	}
	if client.Transport == nil {
		t.Error("Transport should still carry dial and header timeouts")
	}
}
