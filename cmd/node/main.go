package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/node"
	"fitchain/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Debug = cfg.IsDevelopment()

	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	if err := n.Start(ctx); err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	setupGracefulShutdown(cancel, n, logger)

	<-ctx.Done()
}

func setupGracefulShutdown(cancel context.CancelFunc, n *node.Node, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		if err := n.Stop(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		cancel()
	}()
}
