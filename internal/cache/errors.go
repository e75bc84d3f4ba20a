package cache

import "errors"

// URL 校验类错误，调用方应直接映射为 4xx，不会进入 in-flight 协调。
var (
	ErrInvalidURL          = errors.New("invalid url")
	ErrUnsupportedScheme   = errors.New("unsupported url scheme")
	ErrMissingExtension    = errors.New("url path has no file extension")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrPathTraversal       = errors.New("path traversal rejected")
)

// 写入/读取阶段的错误。
var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrSizeLimitExceeded 表示正文超过 MaxBytes，写入已被中止并清理。
	ErrSizeLimitExceeded = errors.New("cache file size limit exceeded")
	// ErrIO 包装所有文件系统失败，原始错误可通过 errors.Unwrap 链取得。
	ErrIO = errors.New("cache io failure")
)

// ErrBodyRead 表示读取上游正文失败（连接中断、超时等），区别于本地写入失败。
var ErrBodyRead = errors.New("read source body")
