package engine

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOriginUnreachable 表示无法与源站建立连接或读取中断。
	ErrOriginUnreachable = errors.New("origin unreachable")
	// ErrOriginTimeout 表示源站请求超时。
	ErrOriginTimeout = errors.New("origin timeout")
	// ErrOriginStatus 用于 errors.Is 匹配任意 *StatusError。
	ErrOriginStatus = errors.New("origin status error")
	// ErrEngineClosed 表示 Engine 已进入 drain，不再接收新的请求。
	ErrEngineClosed = errors.New("engine closed")
)

// StatusError 表示源站返回了非成功状态码（含 3xx，重定向不会被跟随）。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Is 让 errors.Is(err, ErrOriginStatus) 对所有状态码成立。
func (e *StatusError) Is(target error) bool {
	return target == ErrOriginStatus
}
