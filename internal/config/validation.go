package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// reservedOriginNames 与诊断/直连路由冲突，不能作为 Origin 名称。
var reservedOriginNames = map[string]struct{}{
	"-": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.CacheDirectory) == "" {
		return newFieldError("Global.CacheDirectory", "不能为空")
	}
	if g.MaxConcurrentDownloads < 1 {
		return newFieldError("Global.MaxConcurrentDownloads", "必须大于等于 1")
	}
	if g.HTTPTimeout.DurationValue() <= 0 {
		return newFieldError("Global.HTTPTimeout", "必须大于 0")
	}
	if g.DrainTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DrainTimeout", "必须大于 0")
	}
	if g.MaxCacheFileSizeBytes < 0 {
		return newFieldError("Global.MaxCacheFileSizeBytes", "不能为负数")
	}
	if g.MaxPathLength < 64 || g.MaxPathLength > 1024 {
		return newFieldError("Global.MaxPathLength", "必须在 64-1024")
	}
	for _, ext := range g.AllowedExtensions {
		if ext == "" || ext == "." || strings.ContainsAny(ext, `/\`) {
			return newFieldError("Global.AllowedExtensions", fmt.Sprintf("非法扩展名 %q", ext))
		}
	}

	if len(c.Origins) == 0 && !g.EnableDirectFetch {
		return errors.New("未配置 Origin 且关闭了 EnableDirectFetch，没有可服务的路由")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if strings.ContainsAny(origin.Name, "/ ") {
			return newFieldError(originField(origin.Name, "Name"), "不允许包含 / 或空格")
		}
		if _, reserved := reservedOriginNames[origin.Name]; reserved {
			return newFieldError(originField(origin.Name, "Name"), "为保留名称")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}

		if origin.Domain != "" {
			if err := validateDomain(origin.Domain); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
			}
			if _, exists := seenDomains[origin.Domain]; exists {
				return newFieldError(originField(origin.Name, "Domain"), "重复")
			}
			seenDomains[origin.Domain] = struct{}{}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
