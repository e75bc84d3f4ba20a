package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Target describes the origin URL a request resolved to. Route is nil for
// direct-fetch requests that carry the full URL in the query string.
type Target struct {
	Route *OriginRoute
	URL   string
}

// OriginName returns the configured origin name or "direct" for /-/fetch.
func (t *Target) OriginName() string {
	if t == nil || t.Route == nil {
		return "direct"
	}
	return t.Route.Config.Name
}

// ProxyHandler describes the component responsible for serving a resolved
// target through the cache engine. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger      *logrus.Logger
	Registry    *OriginRegistry
	Proxy       ProxyHandler
	ListenPort  int
	DirectFetch bool
}

const (
	contextKeyTarget    = "_mirror_cache_target"
	contextKeyRequestID = "_mirror_cache_request_id"

	directFetchPath = "/-/fetch"
)

// NewApp builds a Fiber application with Host/path routing middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		target, _ := getTargetFromContext(c)
		if target == nil {
			// /-/ 下的诊断路由由 routes 包注册。
			return c.Next()
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并先识别直连与诊断路径，再依次按 Host 与路径前缀解析回源目标。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		rawPath := requestRawPath(c)
		rawQuery := string(c.Request().URI().QueryString())
		rawHost := strings.TrimSpace(getHostHeader(c))

		if rawPath == directFetchPath {
			if !opts.DirectFetch {
				return renderUnmapped(c, opts.Logger, rawHost, rawPath, opts.ListenPort)
			}
			raw := strings.TrimSpace(c.Query("url"))
			if raw == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "missing_url",
				})
			}
			c.Locals(contextKeyTarget, &Target{URL: raw})
			return c.Next()
		}

		if isDiagnosticsPath(rawPath) {
			return c.Next()
		}

		if route, ok := opts.Registry.LookupHost(rawHost); ok {
			c.Locals(contextKeyTarget, &Target{Route: route, URL: route.TargetURL(rawPath, rawQuery)})
			return c.Next()
		}

		name, rest := splitOriginPrefix(rawPath)
		route, ok := opts.Registry.LookupName(name)
		if !ok {
			return renderUnmapped(c, opts.Logger, rawHost, rawPath, opts.ListenPort)
		}

		c.Locals(contextKeyTarget, &Target{Route: route, URL: route.TargetURL(rest, rawQuery)})
		return c.Next()
	}
}

func renderUnmapped(c fiber.Ctx, logger *logrus.Logger, host, path string, port int) error {
	fields := logrus.Fields{
		"action": "origin_lookup",
		"host":   host,
		"path":   path,
		"port":   port,
	}
	logger.WithFields(fields).Warn("origin unmapped")

	if host != "" {
		c.Set("X-Mirror-Cache-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "origin_unmapped",
	})
}

// requestRawPath 返回请求行中的原始（未解码、未归一化）路径，
// 避免 fasthttp 在 Resolver 之前折叠掉 ".." 片段。
func requestRawPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().PathOriginal())
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		raw = string(c.Request().URI().Path())
	}
	return raw
}

func splitOriginPrefix(rawPath string) (string, string) {
	trimmed := strings.TrimPrefix(rawPath, "/")
	name, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return name, "/"
	}
	return name, "/" + rest
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getTargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
