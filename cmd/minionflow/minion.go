package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/internal/cache"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/registry/modules"
	"github.com/BaSui01/minionflow/transport"
)

// =============================================================================
// 🤖 minion 命令
// =============================================================================

func runMinion(args []string) {
	fs := flag.NewFlagSet("minion", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	id := fs.String("id", "", "Minion id (overrides minion.id)")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *id != "" {
		cfg.Minion.ID = *id
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cc := cache.DefaultConfig()
	cc.Addr = cfg.Redis.Addr
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	cm, err := cache.NewManager(cc, logger)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.String("addr", cc.Addr), zap.Error(err))
	}
	defer cm.Close()

	agent, err := newMinionAgent(cfg, cm.Client(), logger)
	if err != nil {
		logger.Fatal("Failed to create minion", zap.Error(err))
	}

	logger.Info("Starting minion",
		zap.String("id", agent.ID()),
		zap.String("version", Version),
		zap.Strings("modules", cfg.Minion.Modules),
	)
	if err := agent.Run(ctx); err != nil {
		logger.Fatal("Minion stopped", zap.Error(err))
	}
	logger.Info("Minion stopped")
}

// minionID 取配置的 ID，否则取主机名
func minionID(cfg config.MinionConfig) (string, error) {
	if cfg.ID != "" {
		return cfg.ID, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("minion id not configured and hostname unavailable: %w", err)
	}
	if host == "" {
		return "", errors.New("minion id not configured and hostname is empty")
	}
	return host, nil
}

// newMinionAgent 创建运行在 redis 传输上的 minion
func newMinionAgent(cfg *config.Config, client *redis.Client, logger *zap.Logger) (*transport.Agent, error) {
	id, err := minionID(cfg.Minion)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(
		registry.WithEntries(modules.Builtins()...),
		registry.WithMiddleware(registry.RecoverMiddleware()),
		registry.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if skipped := reg.Skipped(); len(skipped) > 0 {
		logger.Info("modules unavailable on this host", zap.Strings("skipped", skipped))
	}
	launcher := registry.NewSanitizingLauncher(registry.ExecLauncher{}, registry.EnvPolicy{
		Base: []string{"PATH=" + os.Getenv("PATH")},
	}, logger)

	opts := []transport.AgentOption{
		transport.WithAgentLogger(logger),
		transport.WithAgentLauncher(launcher),
		transport.WithHeartbeat(cfg.Minion.Heartbeat),
		transport.WithSigningKey(cfg.Transport.SigningKey),
		transport.WithMaxMessageAge(cfg.Transport.MaxMessageAge),
	}
	if len(cfg.Minion.Modules) > 0 {
		opts = append(opts, transport.WithModules(cfg.Minion.Modules...))
	}
	return transport.NewAgent(id, transport.NewRedisBroker(client), reg, opts...), nil
}
