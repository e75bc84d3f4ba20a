package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/mirror-cache/internal/config"
)

// OriginRoute 将 Origin 配置与解析后的 Upstream URL 聚合在一起，避免每次请求重复解析。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
}

// OriginRegistry 提供 Host 与名称两种方式的 OriginRoute 查询。
type OriginRegistry struct {
	byDomain map[string]*OriginRoute
	byName   map[string]*OriginRoute
	ordered  []*OriginRoute
}

// NewOriginRegistry 根据配置构建映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		byDomain: make(map[string]*OriginRoute, len(cfg.Origins)),
		byName:   make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		if _, exists := registry.byName[origin.Name]; exists {
			return nil, fmt.Errorf("duplicate origin name %s", origin.Name)
		}

		upstreamURL, err := url.Parse(origin.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
		}

		route := &OriginRoute{
			Config:      origin,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
		}
		registry.byName[origin.Name] = route
		registry.ordered = append(registry.ordered, route)

		if origin.Domain == "" {
			continue
		}
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.byDomain[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		registry.byDomain[normalizedHost] = route
	}

	return registry, nil
}

// LookupHost 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) LookupHost(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.byDomain[normalizedHost]
	return route, ok
}

// LookupName 根据路径前缀（Origin 名称）查找 OriginRoute。
func (r *OriginRegistry) LookupName(name string) (*OriginRoute, bool) {
	if r == nil || name == "" {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于 /-/status 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// TargetURL 将 Upstream 与请求的原始路径、query 拼成回源地址。rawPath 保持转义形式，
// 安全校验交给缓存层的 Resolver（先解码再检查）。
func (r *OriginRoute) TargetURL(rawPath, rawQuery string) string {
	base := strings.TrimRight(r.UpstreamURL.String(), "/")
	if !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	target := base + rawPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
