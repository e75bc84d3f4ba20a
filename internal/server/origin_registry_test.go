package server

import (
	"testing"

	"github.com/any-hub/mirror-cache/internal/config"
)

func TestOriginRegistryLookup(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origins: []config.OriginConfig{
			{Name: "images", Upstream: "https://cdn.example.com", Domain: "images.local"},
			{Name: "docs", Upstream: "https://docs.example.com/base"},
		},
	}

	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.LookupHost("IMAGES.local:5000")
	if !ok {
		t.Fatalf("expected images route by host")
	}
	if route.Config.Name != "images" {
		t.Errorf("wrong origin returned: %s", route.Config.Name)
	}

	route, ok = registry.LookupName("docs")
	if !ok {
		t.Fatalf("expected docs route by name")
	}
	if got := route.TargetURL("/guide/a%20b.pdf", "v=1"); got != "https://docs.example.com/base/guide/a%20b.pdf?v=1" {
		t.Errorf("unexpected target url: %s", got)
	}

	if _, ok := registry.LookupHost("docs.example.com"); ok {
		t.Errorf("origin without Domain must not match by host")
	}
	if len(registry.List()) != 2 {
		t.Errorf("expected 2 routes in list")
	}
}

func TestOriginRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := &config.Config{
		Origins: []config.OriginConfig{
			{Name: "a", Upstream: "https://a.example.com", Domain: "same.local"},
			{Name: "b", Upstream: "https://b.example.com", Domain: "same.local"},
		},
	}
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}
