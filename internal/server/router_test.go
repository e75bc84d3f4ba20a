package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mirror-cache/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, true)

	req := httptest.NewRequest("GET", "http://images.local/banners/top.png", nil)
	req.Host = "images.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.recorder.originName != "images" {
		t.Fatalf("expected images route, got %s", app.recorder.originName)
	}
	if app.recorder.url != "https://cdn.example.com/banners/top.png" {
		t.Fatalf("unexpected target url: %s", app.recorder.url)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterRoutesRequestByPathPrefix(t *testing.T) {
	app := newTestApp(t, true)

	req := httptest.NewRequest("GET", "http://localhost:5000/docs/guide/intro.pdf?rev=2", nil)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.originName != "docs" {
		t.Fatalf("expected docs route, got %s", app.recorder.originName)
	}
	if app.recorder.url != "https://docs.example.com/base/guide/intro.pdf?rev=2" {
		t.Fatalf("unexpected target url: %s", app.recorder.url)
	}
}

func TestRouterKeepsEscapedTraversalForResolver(t *testing.T) {
	app := newTestApp(t, true)

	req := httptest.NewRequest("GET", "http://localhost:5000/docs/a/%2e%2e/secret.pdf", nil)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.url != "https://docs.example.com/base/a/%2e%2e/secret.pdf" {
		t.Fatalf("raw path must reach the proxy unchanged, got %s", app.recorder.url)
	}
}

func TestRouterDirectFetch(t *testing.T) {
	app := newTestApp(t, true)

	req := httptest.NewRequest("GET", "http://localhost:5000/-/fetch?url=https%3A%2F%2Fother.example.com%2Fa.jpg", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.originName != "direct" {
		t.Fatalf("expected direct target, got %s", app.recorder.originName)
	}
	if app.recorder.url != "https://other.example.com/a.jpg" {
		t.Fatalf("unexpected target url: %s", app.recorder.url)
	}

	missing, err := app.Test(httptest.NewRequest("GET", "http://localhost:5000/-/fetch", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if missing.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing url, got %d", missing.StatusCode)
	}
}

func TestRouterDirectFetchDisabled(t *testing.T) {
	app := newTestApp(t, false)

	req := httptest.NewRequest("GET", "http://localhost:5000/-/fetch?url=https%3A%2F%2Fother.example.com%2Fa.jpg", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 when direct fetch disabled, got %d", resp.StatusCode)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("proxy must not be invoked")
	}
}

func TestRouterReturns404WhenOriginUnknown(t *testing.T) {
	app := newTestApp(t, true)

	req := httptest.NewRequest("GET", "http://unknown.local/nothing/here.png", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"origin_unmapped"`)) {
		t.Fatalf("expected origin_unmapped error, got %s", string(body))
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, directFetch bool) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
		},
		Origins: []config.OriginConfig{
			{
				Name:     "images",
				Domain:   "images.local",
				Upstream: "https://cdn.example.com",
			},
			{
				Name:     "docs",
				Upstream: "https://docs.example.com/base",
			},
		},
	}

	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:      logger,
		Registry:    registry,
		Proxy:       recorder,
		ListenPort:  5000,
		DirectFetch: directFetch,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	calls      int
	originName string
	url        string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, target *Target) error {
	p.calls++
	p.originName = target.OriginName()
	p.url = target.URL
	return c.SendStatus(fiber.StatusNoContent)
}
