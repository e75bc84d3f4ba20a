package server

import (
	"testing"
	"time"

	"github.com/any-hub/mirror-cache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			HTTPTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestIsHopByHopHeader(t *testing.T) {
	for _, key := range []string{"connection", "Keep-Alive", "transfer-encoding"} {
		if !IsHopByHopHeader(key) {
			t.Fatalf("%s should be hop-by-hop", key)
		}
	}
	if IsHopByHopHeader("X-Test-Header") {
		t.Fatalf("custom header should be forwarded")
	}
}
