package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mirror-cache/internal/cache"
	"github.com/any-hub/mirror-cache/internal/config"
	"github.com/any-hub/mirror-cache/internal/engine"
	"github.com/any-hub/mirror-cache/internal/logging"
	"github.com/any-hub/mirror-cache/internal/proxy"
	"github.com/any-hub/mirror-cache/internal/server"
	"github.com/any-hub/mirror-cache/internal/server/routes"
	"github.com/any-hub/mirror-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginNames(cfg.Origins)
		fields["cache_directory"] = cfg.Global.CacheDirectory
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 磁盘缓存 → 缓存引擎 → OriginRegistry → Fiber server”顺序，
	// 所有请求共享同一个 Engine，保证单飞与并发上限在进程内全局生效。
	eng, registry, err := buildEngine(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_directory"] = cfg.Global.CacheDirectory
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, registry, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		_ = eng.Close()
		return 1
	}
	if err := eng.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("缓存引擎关闭超时")
	}
	return 0
}

// buildEngine 装配磁盘缓存、URL 解析器、回源客户端与 Origin 注册表。
func buildEngine(cfg *config.Config, logger *logrus.Logger) (*engine.Engine, *server.OriginRegistry, error) {
	store, err := cache.NewStore(cfg.Global.CacheDirectory, logger)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := cache.NewResolver(cache.ResolverOptions{
		Root:          store.Root(),
		Policy:        acceptPolicy(cfg.Global),
		IncludeQuery:  cfg.Global.IncludeQueryInKey,
		MaxPathLength: cfg.Global.MaxPathLength,
	})
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.Options{
		Store:                  store,
		Resolver:               resolver,
		Client:                 server.NewUpstreamClient(cfg),
		Logger:                 logger,
		MaxConcurrentDownloads: cfg.Global.MaxConcurrentDownloads,
		MaxFileSizeBytes:       cfg.Global.MaxCacheFileSizeBytes,
		DrainTimeout:           cfg.Global.DrainTimeout.DurationValue(),
	})
	if err != nil {
		return nil, nil, err
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		_ = eng.Close()
		return nil, nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}
	return eng, registry, nil
}

// acceptPolicy 在开启 RequireKnownExtension 时使用扩展名白名单，否则接受任意路径。
func acceptPolicy(global config.GlobalConfig) cache.AcceptPolicy {
	if !global.RequireKnownExtension {
		return cache.AnyPath{}
	}
	exts := global.AllowedExtensions
	if len(exts) == 0 {
		exts = cache.DefaultMediaExtensions
	}
	return cache.NewKnownExtensions(exts)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mirror-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MIRROR_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MIRROR_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 阻塞运行 Fiber，直到监听失败或 ctx 收到退出信号后完成优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.OriginRegistry, eng *engine.Engine, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Registry:    registry,
		Proxy:       proxy.NewHandler(eng, logger),
		ListenPort:  port,
		DirectFetch: cfg.Global.EnableDirectFetch,
	})
	if err != nil {
		return err
	}
	routes.RegisterAdminRoutes(app, registry, eng)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
	if err := app.ShutdownWithTimeout(cfg.Global.DrainTimeout.DurationValue()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
