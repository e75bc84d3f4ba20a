package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/any-hub/mirror-cache/internal/cache"
	"github.com/any-hub/mirror-cache/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("MIRROR_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "mirror-cache") {
		t.Fatalf("version 输出应包含 mirror-cache 标识")
	}
}

func TestAcceptPolicyFollowsConfig(t *testing.T) {
	if _, ok := acceptPolicy(config.GlobalConfig{}).(cache.AnyPath); !ok {
		t.Fatalf("默认应接受任意路径")
	}

	policy := acceptPolicy(config.GlobalConfig{RequireKnownExtension: true})
	if err := policy.Accept("movie.mp4"); err != nil {
		t.Fatalf("默认白名单应包含 .mp4: %v", err)
	}
	if err := policy.Accept("README"); err == nil {
		t.Fatalf("缺少扩展名应被拒绝")
	}

	policy = acceptPolicy(config.GlobalConfig{RequireKnownExtension: true, AllowedExtensions: []string{".bin"}})
	if err := policy.Accept("movie.mp4"); err == nil {
		t.Fatalf("自定义白名单外的扩展名应被拒绝")
	}
	if err := policy.Accept("blob.bin"); err != nil {
		t.Fatalf("自定义白名单应生效: %v", err)
	}
}
