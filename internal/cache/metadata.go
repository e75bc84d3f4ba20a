package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/textproto"
	"os"
	"strings"
)

// preservedHeaders 是需要写入 sidecar 并在命中时回放的源站响应头；X-* 自定义头另行匹配。
var preservedHeaders = []string{
	"Content-Type",
	"Etag",
	"Last-Modified",
	"Cache-Control",
	"Content-Disposition",
	"Content-Encoding",
	"Content-Language",
	"Vary",
	"Accept-Ranges",
}

// CollectHeaders 从源站响应头挑出需要保留的字段，多值头以 ", " 拼接。
// 返回 map 的键使用常见写法（ETag 而非 Etag），与 sidecar JSON 保持一致。
func CollectHeaders(h http.Header) map[string]string {
	result := make(map[string]string)
	for _, name := range preservedHeaders {
		if values := h.Values(name); len(values) > 0 {
			result[displayName(name)] = strings.Join(values, ", ")
		}
	}
	for name, values := range h {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if !strings.HasPrefix(canonical, "X-") || len(values) == 0 {
			continue
		}
		result[canonical] = strings.Join(values, ", ")
	}
	return result
}

func displayName(canonical string) string {
	if canonical == "Etag" {
		return "ETag"
	}
	return canonical
}

// SaveMetadata 将 headers 序列化为 <path>.meta；空 map 不写 sidecar。
// 写入同样经过临时文件 + rename，避免读方看到半截 JSON。
func SaveMetadata(filePath string, headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	metaPath := filePath + metaSuffix
	tempPath := metaPath + tempSuffix
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// LoadMetadata 读取 sidecar；文件缺失或解析失败时返回空 map，绝不让缓存命中变成错误。
func LoadMetadata(filePath string) map[string]string {
	data, err := os.ReadFile(filePath + metaSuffix)
	if err != nil {
		return map[string]string{}
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil || headers == nil {
		return map[string]string{}
	}
	return headers
}
