package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
CacheDirectory = "./data"
HTTPTimeout = "boom"

[[Origin]]
Name = "images"
Upstream = "https://cdn.example.com"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadParsesExtensionPolicy(t *testing.T) {
	cfg := `
CacheDirectory = "./data"
RequireKnownExtension = true
AllowedExtensions = [".PNG", " .jpg "]
IncludeQueryInKey = true
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if !loaded.Global.RequireKnownExtension || !loaded.Global.IncludeQueryInKey {
		t.Fatalf("布尔开关应被解析")
	}
	if len(loaded.Global.AllowedExtensions) != 2 || loaded.Global.AllowedExtensions[0] != ".png" || loaded.Global.AllowedExtensions[1] != ".jpg" {
		t.Fatalf("扩展名应被规范化，得到 %v", loaded.Global.AllowedExtensions)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("MIRROR_CACHE_MAXCONCURRENTDOWNLOADS", "3")
	path := writeTempConfig(t, `CacheDirectory = "./data"`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if loaded.Global.MaxConcurrentDownloads != 3 {
		t.Fatalf("环境变量应覆盖配置，得到 %d", loaded.Global.MaxConcurrentDownloads)
	}
}
