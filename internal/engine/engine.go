package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mirror-cache/internal/cache"
)

const (
	// DefaultDrainTimeout 是 Close 等待 in-flight 回源的默认上限。
	DefaultDrainTimeout = 30 * time.Second

	defaultContentType = "application/octet-stream"
)

// Options 汇总 Engine 依赖，Store/Resolver 必填，其余有默认值。
type Options struct {
	Store    cache.Store
	Resolver *cache.Resolver
	Client   *http.Client
	Logger   *logrus.Logger
	// Registry 允许注入独立的 in-flight 表，为空时自动创建。
	Registry               *Registry
	MaxConcurrentDownloads int
	// MaxFileSizeBytes 大于 0 时限制单个缓存文件大小。
	MaxFileSizeBytes int64
	DrainTimeout     time.Duration
	// ContentType 在 sidecar 缺少 Content-Type 时按缓存 Key 推断类型。
	ContentType func(key string) string
}

// Descriptor 是返回给 HTTP 层的响应描述，不持有正文句柄。
type Descriptor struct {
	URL           string            `json:"url"`
	Key           string            `json:"key"`
	ContentType   string            `json:"content_type"`
	ContentLength int64             `json:"content_length"`
	Headers       map[string]string `json:"headers"`
	CacheHit      bool              `json:"cache_hit"`
}

// Stats 是 /-/status 使用的运行时快照。
type Stats struct {
	InFlight     int  `json:"in_flight"`
	GateInUse    int  `json:"gate_in_use"`
	GateCapacity int  `json:"gate_capacity"`
	GatePeak     int  `json:"gate_peak"`
	Closed       bool `json:"closed"`
}

// Engine 负责“命中直接读盘 / 未命中单飞回源 + 原子发布”的完整流程。
type Engine struct {
	store        cache.Store
	resolver     *cache.Resolver
	origin       *origin
	gate         *Gate
	flights      *Registry
	logger       *logrus.Logger
	maxBytes     int64
	drainTimeout time.Duration
	contentType  func(string) string

	mu     sync.Mutex
	closed bool
}

// New 构建 Engine，调用方应在进程内为同一个缓存目录只创建一个实例。
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("path resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	maxDownloads := opts.MaxConcurrentDownloads
	if maxDownloads <= 0 {
		maxDownloads = DefaultMaxConcurrentDownloads
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	contentType := opts.ContentType
	if contentType == nil {
		contentType = InferContentType
	}

	return &Engine{
		store:        opts.Store,
		resolver:     opts.Resolver,
		origin:       newOrigin(opts.Client),
		gate:         NewGate(maxDownloads),
		flights:      registry,
		logger:       logger,
		maxBytes:     opts.MaxFileSizeBytes,
		drainTimeout: drain,
		contentType:  contentType,
	}, nil
}

// InferContentType 根据扩展名推断 Content-Type，未知类型返回 application/octet-stream。
func InferContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return defaultContentType
}

// Open 返回描述与一个新打开的正文句柄（偏移 0），调用方负责关闭。
// 命中时不经过 in-flight 表；未命中时加入或发起单飞回源并等待其完成。
// ctx 只影响本调用方的等待，不会取消共享的回源。
func (e *Engine) Open(ctx context.Context, rawURL string) (Descriptor, io.ReadCloser, error) {
	if e.isClosed() {
		return Descriptor{}, nil, ErrEngineClosed
	}
	loc, err := e.resolver.Resolve(rawURL)
	if err != nil {
		return Descriptor{}, nil, err
	}

	result, err := e.store.Get(ctx, loc)
	switch {
	case err == nil:
		return e.describe(result.Entry, true), result.Reader, nil
	case !errors.Is(err, cache.ErrNotFound):
		return Descriptor{}, nil, err
	}

	f, err := e.join(ctx, loc)
	if err != nil {
		return Descriptor{}, nil, err
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return Descriptor{}, nil, ctx.Err()
	}
	if f.err != nil {
		return Descriptor{}, nil, f.err
	}

	result, err = e.store.Get(ctx, loc)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Descriptor{}, nil, fmt.Errorf("%w: published entry %s disappeared", cache.ErrIO, loc.Key)
		}
		return Descriptor{}, nil, err
	}
	return e.describe(result.Entry, false), result.Reader, nil
}

// Serve 完成 Open 并把正文复制到 sink。
func (e *Engine) Serve(ctx context.Context, rawURL string, sink io.Writer) (Descriptor, error) {
	desc, reader, err := e.Open(ctx, rawURL)
	if err != nil {
		return Descriptor{}, err
	}
	defer reader.Close()

	if _, err := io.Copy(sink, reader); err != nil {
		return desc, fmt.Errorf("copy cached body: %w", err)
	}
	return desc, nil
}

// ValidateAndPrepare 只产出响应头：命中读 sidecar，已有 in-flight 直接成功，
// 否则向源站发 HEAD 校验（不下载正文，不占用 Gate 名额）。
func (e *Engine) ValidateAndPrepare(ctx context.Context, rawURL string) (Descriptor, error) {
	if e.isClosed() {
		return Descriptor{}, ErrEngineClosed
	}
	loc, err := e.resolver.Resolve(rawURL)
	if err != nil {
		return Descriptor{}, err
	}

	entry, err := e.store.Stat(ctx, loc)
	switch {
	case err == nil:
		return e.describe(*entry, true), nil
	case !errors.Is(err, cache.ErrNotFound):
		return Descriptor{}, err
	}

	if e.flights.Has(loc.Key) {
		return Descriptor{
			URL:           loc.URL,
			Key:           loc.Key,
			ContentType:   e.contentType(loc.Key),
			ContentLength: -1,
			Headers:       map[string]string{},
		}, nil
	}

	resp, err := e.origin.head(ctx, loc.URL)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "origin_head",
			"key":    loc.Key,
			"url":    loc.URL,
		}).Warn("origin head failed")
		return Descriptor{}, err
	}
	headers := cache.CollectHeaders(resp.Header)
	contentType := headers["Content-Type"]
	if contentType == "" {
		contentType = e.contentType(loc.Key)
	}
	return Descriptor{
		URL:           loc.URL,
		Key:           loc.Key,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		Headers:       headers,
	}, nil
}

// Clear 删除全部已发布的缓存条目，进行中的回源不受影响。
func (e *Engine) Clear(ctx context.Context) (int, error) {
	removed, err := e.store.Clear(ctx)
	fields := logrus.Fields{"action": "cache_clear", "removed": removed}
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("cache clear failed")
		return removed, err
	}
	e.logger.WithFields(fields).Info("cache cleared")
	return removed, nil
}

// Stats 返回当前 in-flight 与 Gate 占用情况。
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight:     e.flights.Len(),
		GateInUse:    e.gate.InUse(),
		GateCapacity: e.gate.Capacity(),
		GatePeak:     e.gate.Peak(),
		Closed:       e.isClosed(),
	}
}

// Close 停止接收新请求，并在 DrainTimeout 内等待 in-flight 回源完成；
// 超时的回源被放弃而不是取消，以免打断正在进行的原子写入。超时只记日志。
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.flights.pending()
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	timer := time.NewTimer(e.drainTimeout)
	defer timer.Stop()
	for i, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			e.logger.WithFields(logrus.Fields{
				"action":    "drain",
				"abandoned": len(pending) - i,
				"timeout":   e.drainTimeout.String(),
			}).Warn("drain timeout, abandoning in-flight fetches")
			return nil
		}
	}
	e.logger.WithFields(logrus.Fields{
		"action":  "drain",
		"drained": len(pending),
	}).Info("in-flight fetches drained")
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// join 在 closed 检查的保护下加入 in-flight 表；leader 负责启动回源。
func (e *Engine) join(ctx context.Context, loc cache.Location) (*flight, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	f, leader := e.flights.join(loc.Key)
	e.mu.Unlock()

	if leader {
		go e.fetch(context.WithoutCancel(ctx), loc, f)
	}
	return f, nil
}

func (e *Engine) fetch(ctx context.Context, loc cache.Location, f *flight) {
	_, err := e.download(ctx, loc)
	e.flights.finish(loc.Key, f, err)
}

// download 是 leader 的完整流程：Gate → GET → 原子写入 → 释放 Gate。
func (e *Engine) download(ctx context.Context, loc cache.Location) (*cache.Entry, error) {
	// 上一轮 leader 可能在命中检查与 join 之间刚刚发布完成。
	if entry, err := e.store.Stat(ctx, loc); err == nil {
		return entry, nil
	}

	if err := e.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.gate.Release()

	started := time.Now()
	fields := logrus.Fields{
		"action": "origin_fetch",
		"key":    loc.Key,
		"url":    loc.URL,
	}

	resp, err := e.origin.get(ctx, loc.URL)
	if err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		e.logger.WithError(err).WithFields(fields).Warn("origin fetch failed")
		return nil, err
	}
	defer resp.Body.Close()
	fields["origin_status"] = resp.StatusCode

	if e.maxBytes > 0 && resp.ContentLength > e.maxBytes {
		err := fmt.Errorf("%w: content-length %d exceeds %d", cache.ErrSizeLimitExceeded, resp.ContentLength, e.maxBytes)
		e.logger.WithError(err).WithFields(fields).Warn("origin fetch rejected")
		return nil, err
	}

	entry, err := e.store.Put(ctx, loc, resp.Body, cache.PutOptions{
		ModTime:  lastModified(resp.Header),
		Headers:  cache.CollectHeaders(resp.Header),
		MaxBytes: e.maxBytes,
	})
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, cache.ErrBodyRead) {
			err = classifyTransportError(ctx, err)
		}
		e.logger.WithError(err).WithFields(fields).Warn("cache write failed")
		return nil, err
	}

	fields["bytes"] = entry.SizeBytes
	e.logger.WithFields(fields).Info("origin fetch stored")
	return entry, nil
}

func (e *Engine) describe(entry cache.Entry, hit bool) Descriptor {
	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = v
	}
	contentType := headers["Content-Type"]
	if contentType == "" {
		contentType = e.contentType(entry.Location.Key)
	}
	return Descriptor{
		URL:           entry.Location.URL,
		Key:           entry.Location.Key,
		ContentType:   contentType,
		ContentLength: entry.SizeBytes,
		Headers:       headers,
		CacheHit:      hit,
	}
}
