package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份缓存引擎参数。
type GlobalConfig struct {
	ListenPort             int      `mapstructure:"ListenPort"`
	LogLevel               string   `mapstructure:"LogLevel"`
	LogFilePath            string   `mapstructure:"LogFilePath"`
	LogMaxSize             int      `mapstructure:"LogMaxSize"`
	LogMaxBackups          int      `mapstructure:"LogMaxBackups"`
	LogCompress            bool     `mapstructure:"LogCompress"`
	CacheDirectory         string   `mapstructure:"CacheDirectory"`
	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
	HTTPTimeout            Duration `mapstructure:"HTTPTimeout"`
	MaxCacheFileSizeBytes  int64    `mapstructure:"MaxCacheFileSizeBytes"`
	DrainTimeout           Duration `mapstructure:"DrainTimeout"`
	RequireKnownExtension  bool     `mapstructure:"RequireKnownExtension"`
	AllowedExtensions      []string `mapstructure:"AllowedExtensions"`
	IncludeQueryInKey      bool     `mapstructure:"IncludeQueryInKey"`
	MaxPathLength          int      `mapstructure:"MaxPathLength"`
	EnableDirectFetch      bool     `mapstructure:"EnableDirectFetch"`
}

// OriginConfig 声明一个逻辑源站：/<Name>/<path> 或 Host=Domain 的请求会映射到 Upstream。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Upstream string `mapstructure:"Upstream"`
	Domain   string `mapstructure:"Domain"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// OriginNames 返回所有 Origin 的名称摘要，供启动日志使用。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = origin.Name
	}
	return result
}
