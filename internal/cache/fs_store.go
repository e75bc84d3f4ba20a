package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const sweepWorkers = 4

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 构建时会清理上次崩溃遗留的 *.tmp 文件。
func NewStore(basePath string, logger *logrus.Logger) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache directory required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	store := &fileStore{
		basePath: abs,
		logger:   logger,
		locks:    make(map[string]*entryLock),
	}

	removed, err := store.SweepTemp(context.Background())
	if err != nil {
		logger.WithError(err).WithField("action", "cache_sweep").Warn("temp sweep failed")
	} else if removed > 0 {
		logger.WithFields(logrus.Fields{
			"action":  "cache_sweep",
			"removed": removed,
		}).Info("removed leftover temp files")
	}

	return store, nil
}

// fileStore 通过 entryLock 避免同一 Key 并发写入同一个临时文件。
type fileStore struct {
	basePath string
	logger   *logrus.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.basePath
}

func (s *fileStore) Get(ctx context.Context, loc Location) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.path(loc)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioError("open cache file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat cache file", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  s.entry(loc, filePath, info),
		Reader: f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, loc Location) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.path(loc)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioError("stat cache file", err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	entry := s.entry(loc, filePath, info)
	return &entry, nil
}

func (s *fileStore) entry(loc Location, filePath string, info fs.FileInfo) Entry {
	return Entry{
		Location:  loc,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Headers:   LoadMetadata(filePath),
	}
}

func (s *fileStore) Put(ctx context.Context, loc Location, body io.Reader, opts PutOptions) (_ *Entry, err error) {
	filePath, err := s.path(loc)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(loc.Key)
	defer unlock()

	defer func() {
		if err != nil {
			s.cleanup(loc, filePath)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, ioError("create cache dir", err)
	}

	tempName := filePath + tempSuffix
	tempFile, err := os.OpenFile(tempName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioError("create temp file", err)
	}

	written, err := copyWithContext(ctx, tempFile, body, opts.MaxBytes)
	if err == nil {
		if syncErr := tempFile.Sync(); syncErr != nil {
			err = ioError("flush temp file", syncErr)
		}
	}
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = ioError("close temp file", closeErr)
	}
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		return nil, ioError("publish cache file", err)
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, ioError("set cache mtime", err)
	}

	if err := SaveMetadata(filePath, opts.Headers); err != nil {
		return nil, ioError("write metadata", err)
	}

	headers := opts.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &Entry{
		Location:  loc,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
		Headers:   headers,
	}, nil
}

// cleanup 尽力删除临时文件、正文与 sidecar；失败只记日志，不覆盖原始错误。
func (s *fileStore) cleanup(loc Location, filePath string) {
	for _, target := range []string{
		filePath + tempSuffix,
		filePath,
		filePath + metaSuffix,
		filePath + metaSuffix + tempSuffix,
	} {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_cleanup",
				"key":    loc.Key,
				"path":   target,
			}).Warn("cleanup failed")
		}
	}
}

func (s *fileStore) Remove(ctx context.Context, loc Location) error {
	filePath, err := s.path(loc)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(loc.Key)
	defer unlock()

	for _, target := range []string{filePath, filePath + metaSuffix} {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioError("remove cache file", err)
		}
	}
	return nil
}

func (s *fileStore) Clear(ctx context.Context) (int, error) {
	return s.walkHosts(ctx, func(p string) bool {
		return !strings.HasSuffix(p, tempSuffix)
	}, func(p string) bool {
		return !strings.HasSuffix(p, metaSuffix)
	})
}

func (s *fileStore) SweepTemp(ctx context.Context) (int, error) {
	return s.walkHosts(ctx, func(p string) bool {
		return strings.HasSuffix(p, tempSuffix)
	}, nil)
}

// walkHosts 以主机目录为单位并发遍历，删除 match 命中的文件；count 为空时统计全部删除。
func (s *fileStore) walkHosts(ctx context.Context, match, count func(string) bool) (int, error) {
	hosts, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, ioError("list cache directory", err)
	}

	var removed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(sweepWorkers)
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		dir := filepath.Join(s.basePath, host.Name())
		eg.Go(func() error {
			return filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					if errors.Is(walkErr, fs.ErrNotExist) {
						return nil
					}
					return walkErr
				}
				if err := egCtx.Err(); err != nil {
					return err
				}
				if d.IsDir() || !match(p) {
					return nil
				}
				if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				if count == nil || count(p) {
					removed.Add(1)
				}
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return int(removed.Load()), ioError("walk cache directory", err)
	}
	return int(removed.Load()), nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// path 二次确认 Location 位于缓存根目录之内。
func (s *fileStore) path(loc Location) (string, error) {
	if loc.FilePath == "" || loc.Key == "" {
		return "", fmt.Errorf("%w: empty location", ErrInvalidURL)
	}
	filePath := filepath.Clean(loc.FilePath)
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s outside cache root", ErrPathTraversal, loc.Key)
	}
	return filePath, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if limit > 0 && copied+int64(n) > limit {
				return copied, fmt.Errorf("%w: more than %d bytes", ErrSizeLimitExceeded, limit)
			}
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, ioError("write temp file", wErr)
			}
			if w < n {
				return copied, ioError("write temp file", io.ErrShortWrite)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return copied, ctxErr
			}
			return copied, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
	}
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
