package cache

import (
	"fmt"
	"path"
	"strings"
)

// AcceptPolicy 决定某个 URL 文件名是否允许进入缓存。通用代理模式使用 AnyPath，
// 媒体代理模式使用 KnownExtensions 做扩展名白名单。
type AcceptPolicy interface {
	Accept(name string) error
}

// AnyPath 接受任意路径，不要求扩展名。
type AnyPath struct{}

// Accept implements AcceptPolicy.
func (AnyPath) Accept(string) error { return nil }

// DefaultMediaExtensions 是媒体模式下未显式配置 AllowedExtensions 时的白名单。
var DefaultMediaExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".bmp", ".avif",
	".mp4", ".webm", ".mov", ".mkv", ".m4v",
	".mp3", ".ogg", ".wav", ".flac", ".m4a",
	".pdf", ".zip",
}

// KnownExtensions 要求文件名带扩展名，并且扩展名位于白名单内（大小写不敏感）。
type KnownExtensions struct {
	allowed map[string]struct{}
}

// NewKnownExtensions 构建扩展名白名单；exts 为空时只校验“必须有扩展名”。
func NewKnownExtensions(exts []string) KnownExtensions {
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return KnownExtensions{allowed: allowed}
}

// Accept implements AcceptPolicy.
func (p KnownExtensions) Accept(name string) error {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" || ext == "." {
		return fmt.Errorf("%w: %q", ErrMissingExtension, name)
	}
	if len(p.allowed) == 0 {
		return nil
	}
	if _, ok := p.allowed[ext]; !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotAllowed, ext)
	}
	return nil
}
