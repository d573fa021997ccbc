package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/agent"
	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/client"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/mediator"
	"github.com/offline-hub/offline-hub/internal/protocol"
	"github.com/offline-hub/offline-hub/internal/relay"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/version"
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
		fields["cache_version"] = cfg.Cache.Version
		fields["assets"] = len(cfg.Cache.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序遵循“配置 → 磁盘缓存 → 缓存管理器 → 中继 → 中介进程 →
	// Fiber server”，保证所有客户端上下文共享同一份缓存与中继实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	store = cache.WithMemoryFront(store, cfg.Global.MaxMemoryCache)

	httpClient := server.NewUpstreamClient(cfg)
	manager, err := cache.NewManager(store, httpClient, logger, cache.ManagerOptions{
		Origin:       cfg.Relay.Origin,
		Version:      cfg.Cache.Version,
		Assets:       cfg.Cache.Assets,
		RootDocument: cfg.RootDocument(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存管理器失败: %v\n", err)
		return 1
	}

	endpoint, err := relay.Endpoint(cfg.Relay.Origin, cfg.Relay.Path)
	if err != nil {
		fmt.Fprintf(stdErr, "推导中继端点失败: %v\n", err)
		return 1
	}

	var hub *agent.Agent
	relayMgr, err := relay.NewManager(relay.Options{
		Endpoint:       endpoint,
		ReconnectDelay: cfg.Relay.ReconnectDelay.DurationValue(),
		PingInterval:   cfg.Relay.PingInterval.DurationValue(),
		Dialer:         relay.NewWebsocketDialer(cfg.Global.UpstreamTimeout.DurationValue()),
		Logger:         logger,
		Sink: func(envelope protocol.Envelope) {
			if hub != nil {
				hub.BroadcastInbound(envelope)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建中继管理器失败: %v\n", err)
		return 1
	}
	hub = agent.New(logger, manager, relayMgr)

	ctx := context.Background()
	if err := hub.Install(ctx); err != nil {
		fmt.Fprintf(stdErr, "安装缓存失败: %v\n", err)
		return 1
	}
	if err := hub.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "激活缓存失败: %v\n", err)
		return 1
	}

	identity, err := client.LoadIdentity(cfg.Global.IdentityPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载身份令牌失败: %v\n", err)
		return 1
	}
	bridge := client.NewBridge(logger, hub, identity, cfg.Relay.PingInterval.DurationValue())
	bridge.Attach(ctx)

	interceptor, err := mediator.NewHandler(httpClient, logger, manager, cfg.Relay.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "构建网络中介失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_version"] = cfg.Cache.Version
	fields["assets"] = len(cfg.Cache.Assets)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["relay_endpoint"] = endpoint
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, interceptor, relayMgr, manager, hub, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

func startHTTPServer(
	cfg *config.Config,
	interceptor server.InterceptHandler,
	relayMgr *relay.Manager,
	manager *cache.Manager,
	hub *agent.Agent,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Intercept: interceptor,
		Diagnostics: server.Diagnostics{
			RelayState: func() string { return string(relayMgr.State()) },
			Versions:   manager.Versions,
			Active:     manager.ActiveVersion,
			Clients:    hub.Registry().Count,
		},
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
