package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mirror-cache/internal/config"
	"github.com/any-hub/mirror-cache/internal/engine"
	"github.com/any-hub/mirror-cache/internal/server"
)

type fakeAdmin struct {
	stats    engine.Stats
	removed  int
	clearErr error
	clears   int
}

func (f *fakeAdmin) Stats() engine.Stats { return f.stats }

func (f *fakeAdmin) Clear(context.Context) (int, error) {
	f.clears++
	return f.removed, f.clearErr
}

func newAdminApp(t *testing.T, admin *fakeAdmin) *fiber.App {
	t.Helper()

	registry, err := server.NewOriginRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origins: []config.OriginConfig{
			{Name: "zeta", Upstream: "https://zeta.example.com"},
			{Name: "alpha", Upstream: "https://alpha.example.com", Domain: "alpha.local"},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app := fiber.New()
	RegisterAdminRoutes(app, registry, admin)
	return app
}

func TestStatusReportsOriginsAndEngineStats(t *testing.T) {
	admin := &fakeAdmin{stats: engine.Stats{InFlight: 2, GateInUse: 1, GateCapacity: 10}}
	app := newAdminApp(t, admin)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(payload.Origins) != 2 || payload.Origins[0].Name != "alpha" {
		t.Fatalf("expected sorted origins, got %+v", payload.Origins)
	}
	if payload.Origins[0].Domain != "alpha.local" {
		t.Fatalf("expected alpha domain, got %s", payload.Origins[0].Domain)
	}
	if payload.Engine.InFlight != 2 || payload.Engine.GateCapacity != 10 {
		t.Fatalf("unexpected engine stats: %+v", payload.Engine)
	}
	if payload.Version == "" {
		t.Fatalf("expected version string")
	}
}

func TestClearCacheReturnsRemovedCount(t *testing.T) {
	admin := &fakeAdmin{removed: 3}
	app := newAdminApp(t, admin)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/cache", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if payload["removed"] != 3 || admin.clears != 1 {
		t.Fatalf("unexpected clear result: %+v (calls=%d)", payload, admin.clears)
	}
}

func TestClearCacheFailure(t *testing.T) {
	admin := &fakeAdmin{removed: 1, clearErr: errors.New("disk gone")}
	app := newAdminApp(t, admin)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/cache", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}
