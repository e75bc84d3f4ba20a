package cache

import (
	"context"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CacheDirectory>/<host>/<path>        # 正文，原始字节
//	<CacheDirectory>/<host>/<path>.meta   # 可选 sidecar，JSON 响应头
//	<CacheDirectory>/<host>/<path>.tmp    # 写入中的临时文件，读方不可见
type Store interface {
	// Root 返回缓存根目录的绝对路径。
	Root() string

	// Get 返回一个可流式读取的缓存条目（含 sidecar 头）。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, loc Location) (*ReadResult, error)

	// Stat 只读取文件信息与 sidecar，不打开正文。
	Stat(ctx context.Context, loc Location) (*Entry, error)

	// Put 将上游正文写入缓存：临时文件 → fsync → rename 发布 → 写 sidecar。
	// 任一步骤失败都会尽力删除临时文件、正文与 sidecar，并返回原始错误。
	Put(ctx context.Context, loc Location, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文与 sidecar。
	Remove(ctx context.Context, loc Location) error

	// Clear 删除所有已发布的正文与 sidecar，返回删除的正文数量；写入中的临时文件不受影响。
	Clear(ctx context.Context) (int, error)

	// SweepTemp 删除遗留的 *.tmp 文件，返回删除数量，通常只在启动时调用。
	SweepTemp(ctx context.Context) (int, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	// ModTime 非零时作为正文文件的 mtime。
	ModTime time.Time
	// Headers 写入 sidecar，空 map 不写。
	Headers map[string]string
	// MaxBytes 大于 0 时限制正文大小，超出即中止并返回 ErrSizeLimitExceeded。
	MaxBytes int64
}

// Entry 表示一个已发布的缓存条目。
type Entry struct {
	Location  Location          `json:"location"`
	FilePath  string            `json:"file_path"`
	SizeBytes int64             `json:"size_bytes"`
	ModTime   time.Time         `json:"mod_time"`
	Headers   map[string]string `json:"headers"`
}

// ReadResult 组合 Entry 与正文 Reader，每次 Get 都会打开独立的句柄，偏移从 0 开始。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}
