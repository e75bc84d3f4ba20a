package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	metaSuffix = ".meta"
	tempSuffix = ".tmp"

	// DefaultMaxPathLength 是 <host>/<path> 相对路径的默认上限，超过后截断并追加哈希。
	DefaultMaxPathLength = 200

	hashLength      = 16
	queryHashLength = 12
	maxKeptExtLen   = 16

	// maxSegmentLen 为单个文件/目录名的上限，给 ".meta.tmp" 与保留后缀转义留出余量（多数文件系统上限 255 字节）。
	maxSegmentLen = 200
)

// Location 描述一个 URL 映射后的缓存位置，由 Resolver 纯计算得出。
type Location struct {
	// Key 是相对缓存根目录的 slash 路径，同时作为 in-flight 注册表的键。
	Key string
	// Host 是规范化、清洗后的主机目录名。
	Host string
	// FilePath 是正文文件的绝对路径。
	FilePath string
	// URL 是规范化后的回源地址（保留 query，去掉 fragment）。
	URL string
}

// MetaPath 返回 sidecar 元数据文件路径。
func (l Location) MetaPath() string {
	return l.FilePath + metaSuffix
}

// TempPath 返回写入阶段使用的临时文件路径，读方永远不会打开它。
func (l Location) TempPath() string {
	return l.FilePath + tempSuffix
}

// ResolverOptions 控制 URL → 缓存路径的映射方式。
type ResolverOptions struct {
	Root          string
	Policy        AcceptPolicy
	IncludeQuery  bool
	MaxPathLength int
}

// Resolver 把不可信的 URL 转换为缓存根目录下的安全路径。
// Resolve 不做任何文件系统访问，相同输入永远得到相同输出。
type Resolver struct {
	root         string
	policy       AcceptPolicy
	includeQuery bool
	maxLen       int
}

// NewResolver 校验选项并构建 Resolver，Root 应为绝对路径。
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("cache root required")
	}
	policy := opts.Policy
	if policy == nil {
		policy = AnyPath{}
	}
	maxLen := opts.MaxPathLength
	if maxLen <= 0 {
		maxLen = DefaultMaxPathLength
	}
	return &Resolver{
		root:         filepath.Clean(opts.Root),
		policy:       policy,
		includeQuery: opts.IncludeQuery,
		maxLen:       maxLen,
	}, nil
}

// Root 返回缓存根目录。
func (r *Resolver) Root() string {
	return r.root
}

// Resolve 执行 scheme 校验 → host 规范化 → 先解码再做穿越检查 → 清洗 → 超长截断。
func (r *Resolver) Resolve(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	hostport, err := normalizeHost(scheme, u)
	if err != nil {
		return Location{}, err
	}
	hostDir := sanitize(hostport)
	if hostDir == "." || strings.Contains(hostDir, "..") {
		return Location{}, fmt.Errorf("%w: host %q", ErrPathTraversal, hostport)
	}

	// 必须先解码再检查，否则 %2e%2e 可以绕过 ".." 过滤。
	decoded, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if strings.Contains(decoded, "..") {
		return Location{}, fmt.Errorf("%w: %q", ErrPathTraversal, decoded)
	}
	if strings.ContainsRune(decoded, 0) {
		return Location{}, fmt.Errorf("%w: nul byte in path", ErrPathTraversal)
	}

	segments := splitSegments(decoded)
	if len(segments) == 0 {
		return Location{}, fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	if err := r.policy.Accept(segments[len(segments)-1]); err != nil {
		return Location{}, err
	}

	keyURL := scheme + "://" + hostport + decoded
	if r.includeQuery && u.RawQuery != "" {
		keyURL += "?" + u.RawQuery
	}

	for i, seg := range segments {
		segments[i] = sanitize(seg)
	}
	last := len(segments) - 1
	if r.includeQuery && u.RawQuery != "" {
		segments[last] = withQueryHash(segments[last], u.RawQuery)
	}
	for i, seg := range segments {
		if len(seg) > maxSegmentLen {
			segments[i] = shorten([]string{seg}, keyURL, maxSegmentLen)
		}
	}

	rel := hostDir + "/" + strings.Join(segments, "/")
	if len(rel) > r.maxLen {
		rel = hostDir + "/" + shorten(segments, keyURL, min(r.maxLen-len(hostDir)-1, maxSegmentLen))
	}
	rel = escapeReservedSuffix(rel)

	fetchURL := *u
	fetchURL.Scheme = scheme
	fetchURL.Host = hostport
	fetchURL.Fragment = ""
	fetchURL.RawFragment = ""

	return Location{
		Key:      rel,
		Host:     hostDir,
		FilePath: filepath.Join(r.root, filepath.FromSlash(rel)),
		URL:      fetchURL.String(),
	}, nil
}

// normalizeHost 小写化主机名并去掉与 scheme 对应的默认端口。
func normalizeHost(scheme string, u *url.URL) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || port == defaultPort(scheme) {
		return host, nil
	}
	return host + ":" + port, nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func splitSegments(p string) []string {
	parts := strings.Split(p, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		segments = append(segments, part)
	}
	return segments
}

// sanitize 将文件系统不允许的字符（含空格与控制字符）替换为 '_'。
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '\\', '|', '?', '*', ' ', '/':
			return '_'
		}
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, s)
}

func withQueryHash(name, rawQuery string) string {
	sum := sha256.Sum256([]byte(rawQuery))
	ext := keptExt(name)
	return strings.TrimSuffix(name, ext) + "_" + hex.EncodeToString(sum[:])[:queryHashLength] + ext
}

// shorten 把过长路径压平成单个文件名：截断前缀 + 完整 URL 的哈希 + 原扩展名。
func shorten(segments []string, keyURL string, budget int) string {
	sum := sha256.Sum256([]byte(keyURL))
	digest := hex.EncodeToString(sum[:])[:hashLength]
	flat := strings.Join(segments, "_")
	ext := keptExt(segments[len(segments)-1])
	stem := strings.TrimSuffix(flat, ext)

	keep := budget - len(digest) - len(ext) - 1
	if keep <= 0 {
		return digest + ext
	}
	if len(stem) > keep {
		for keep > 0 && !utf8.RuneStart(stem[keep]) {
			keep--
		}
		stem = stem[:keep]
	}
	if stem == "" {
		return digest + ext
	}
	return stem + "_" + digest + ext
}

func keptExt(name string) string {
	ext := path.Ext(name)
	if len(ext) > maxKeptExtLen || ext == "." {
		return ""
	}
	return ext
}

// escapeReservedSuffix 防止 URL 本身以 .meta/.tmp 结尾时与 sidecar/临时文件重名。
// 匹配 \.(meta|tmp)_* 的文件名统一再追加一个 '_'，保证映射是单射：a.meta → a.meta_，a.meta_ → a.meta__。
func escapeReservedSuffix(rel string) string {
	stem := strings.TrimRight(strings.ToLower(rel), "_")
	if strings.HasSuffix(stem, metaSuffix) || strings.HasSuffix(stem, tempSuffix) {
		return rel + "_"
	}
	return rel
}
