package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/worldwonderer/proxy-for-spiders/internal/app"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/config"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "tower.ini")

	// 1. 加载 .ini 配置，文件不存在时使用默认值
	cfg := types.DefaultConfig()
	missing := false
	if err := config.LoadIni(cfg, iniPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// Use standard fmt before logger is initialized.
			fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
			os.Exit(1)
		}
		missing = true
		config.ApplyEnv(cfg)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if missing {
		logger.Warn().Str("path", iniPath).Msg("Config file not found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 组装并运行
	appServer, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start proxy-for-spiders")
	}
	if err := appServer.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}
