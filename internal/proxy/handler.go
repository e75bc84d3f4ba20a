package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mirror-cache/internal/cache"
	"github.com/any-hub/mirror-cache/internal/engine"
	"github.com/any-hub/mirror-cache/internal/logging"
	"github.com/any-hub/mirror-cache/internal/server"
)

// CacheEngine 是 Handler 依赖的引擎能力：GET 走 Open，HEAD 走 ValidateAndPrepare。
type CacheEngine interface {
	Open(ctx context.Context, rawURL string) (engine.Descriptor, io.ReadCloser, error)
	ValidateAndPrepare(ctx context.Context, rawURL string) (engine.Descriptor, error)
}

// Handler 把已解析的回源目标交给缓存引擎，并把描述信息写回 Fiber 响应。
type Handler struct {
	engine CacheEngine
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler on top of the shared cache engine.
func NewHandler(eng CacheEngine, logger *logrus.Logger) *Handler {
	return &Handler{
		engine: eng,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch c.Method() {
	case http.MethodGet:
		return h.serveBody(ctx, c, target, requestID, started)
	case http.MethodHead:
		return h.serveHead(ctx, c, target, requestID, started)
	default:
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (h *Handler) serveBody(ctx context.Context, c fiber.Ctx, target *server.Target, requestID string, started time.Time) error {
	desc, reader, err := h.engine.Open(ctx, target.URL)
	if err != nil {
		status, code := StatusForError(err)
		h.logResult(target, requestID, status, false, started, err)
		return h.writeError(c, status, code)
	}
	defer reader.Close()

	applyDescriptor(c, desc)
	c.Status(fiber.StatusOK)

	_, err = io.Copy(c.Response().BodyWriter(), reader)
	h.logResult(target, requestID, fiber.StatusOK, desc.CacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) serveHead(ctx context.Context, c fiber.Ctx, target *server.Target, requestID string, started time.Time) error {
	desc, err := h.engine.ValidateAndPrepare(ctx, target.URL)
	if err != nil {
		status, code := StatusForError(err)
		h.logResult(target, requestID, status, false, started, err)
		c.Status(status)
		return nil
	}

	applyDescriptor(c, desc)
	h.logResult(target, requestID, fiber.StatusOK, desc.CacheHit, started, nil)
	// SendStatus 会写入状态文本并改写 Content-Length，HEAD 只设置状态码。
	c.Status(fiber.StatusOK)
	return nil
}

// applyDescriptor 回放 sidecar 中保存的头部，并补齐 Content-Type/Content-Length/命中标记。
func applyDescriptor(c fiber.Ctx, desc engine.Descriptor) {
	for key, value := range desc.Headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case fiber.HeaderContentLength, fiber.HeaderContentType, "X-Request-Id", "X-Mirror-Cache":
			continue
		}
		c.Set(key, value)
	}

	if desc.ContentType != "" {
		c.Set(fiber.HeaderContentType, desc.ContentType)
	}
	if desc.ContentLength >= 0 {
		c.Response().Header.SetContentLength(int(desc.ContentLength))
	}
	if desc.CacheHit {
		c.Set("X-Mirror-Cache", "HIT")
	} else {
		c.Set("X-Mirror-Cache", "MISS")
	}
}

// StatusForError 把引擎/缓存错误映射为 HTTP 状态码与 JSON 错误码。
func StatusForError(err error) (int, string) {
	var statusErr *engine.StatusError
	switch {
	case errors.Is(err, cache.ErrInvalidURL):
		return fiber.StatusBadRequest, "invalid_url"
	case errors.Is(err, cache.ErrUnsupportedScheme):
		return fiber.StatusBadRequest, "unsupported_scheme"
	case errors.Is(err, cache.ErrMissingExtension):
		return fiber.StatusBadRequest, "missing_extension"
	case errors.Is(err, cache.ErrExtensionNotAllowed):
		return fiber.StatusBadRequest, "extension_not_allowed"
	case errors.Is(err, cache.ErrPathTraversal):
		return fiber.StatusBadRequest, "path_traversal"
	case errors.Is(err, engine.ErrEngineClosed):
		return fiber.StatusServiceUnavailable, "shutting_down"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return statusErr.StatusCode, "origin_status"
		}
		return fiber.StatusBadGateway, "origin_status"
	case errors.Is(err, engine.ErrOriginTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout, "origin_timeout"
	case errors.Is(err, engine.ErrOriginUnreachable), errors.Is(err, cache.ErrBodyRead):
		return fiber.StatusBadGateway, "origin_unreachable"
	case errors.Is(err, cache.ErrSizeLimitExceeded):
		return fiber.StatusBadGateway, "size_limit_exceeded"
	default:
		return fiber.StatusInternalServerError, "cache_failed"
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	target *server.Target,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(target.OriginName(), target.URL, requestID, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		if status >= fiber.StatusInternalServerError {
			h.logger.WithFields(fields).Error("proxy_failed")
		} else {
			h.logger.WithFields(fields).Warn("proxy_rejected")
		}
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
