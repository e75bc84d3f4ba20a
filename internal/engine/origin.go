package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/any-hub/mirror-cache/internal/cache"
	"github.com/any-hub/mirror-cache/internal/version"
)

// origin 封装回源 http.Client：不跟随重定向，并把网络错误归类为 unreachable/timeout。
type origin struct {
	client *http.Client
}

func newOrigin(client *http.Client) *origin {
	if client == nil {
		client = &http.Client{Timeout: 100 * time.Second}
	}
	cloned := *client
	cloned.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &origin{client: &cloned}
}

// get 发起流式 GET：拿到响应头即返回，调用方负责关闭 Body。
func (o *origin) get(ctx context.Context, target string) (*http.Response, error) {
	return o.do(ctx, http.MethodGet, target)
}

// head 只校验资源存在性与响应头，不下载正文。
func (o *origin) head(ctx context.Context, target string) (*http.Response, error) {
	resp, err := o.do(ctx, http.MethodHead, target)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func (o *origin) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if !isSuccessStatus(resp.StatusCode) {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}
	return resp, nil
}

// isSuccessStatus 接受 2xx 与 304；3xx 重定向视为失败。
func isSuccessStatus(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotModified
}

// classifyTransportError 将 client.Do 或正文读取错误映射为 ErrOriginTimeout / ErrOriginUnreachable；
// 调用方自身的取消原样返回。
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrOriginTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrOriginUnreachable, err)
}

func lastModified(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
