package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskbridge/internal/daemon"
	"taskbridge/internal/upstream"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the relay daemon",
	Long: `Manage the relay daemon bridging the extension socket to TCP clients.

The daemon connects to the extension's Unix socket as soon as it appears,
accepts downstream terminal clients over TCP, and relays task commands and
events between the two sides.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a daemon is running",
	RunE:  runDaemonStatus,
}

func init() {
	daemonStartCmd.Flags().Int("ws-port", 0, "Also listen for WebSocket clients on this port")
	daemonStartCmd.Flags().String("listen-socket", "", "Also listen for clients on this Unix socket")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if wsPort, _ := cmd.Flags().GetInt("ws-port"); wsPort > 0 {
		cfg.WSPort = wsPort
	}
	if listenSocket, _ := cmd.Flags().GetString("listen-socket"); listenSocket != "" {
		cfg.ListenSocket = listenSocket
	}

	logger := newLogger()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	bridgeConfig := upstream.DefaultConfig(cfg.SocketPath)
	bridgeConfig.Logger = logger
	bridge := upstream.New(bridgeConfig)

	d := daemon.New(daemon.Config{
		ListenAddr:           cfg.ListenAddr(),
		WSListenAddr:         cfg.WSListenAddr(),
		UnixSocketPath:       cfg.ListenSocket,
		MaxClients:           cfg.MaxClients,
		WriteTimeout:         30 * time.Second,
		NotificationCooldown: cfg.NotificationCooldown,
		QuestionCooldown:     cfg.QuestionCooldown,
		Logger:               logger,
	}, bridge)

	if err := d.Start(); err != nil {
		logger.Error("Failed to start daemon", zap.Error(err))
		return err
	}

	logger.Info("Daemon started",
		zap.String("listen", cfg.ListenAddr()),
		zap.String("upstreamSocket", cfg.SocketPath))

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		logger.Warn("Daemon shutdown error", zap.Error(err))
	}
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	c, err := dialDaemon(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("failed to request shutdown: %w", err)
	}
	fmt.Println("shutdown requested")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	c, err := dialDaemon(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("daemon running at %s (pid %d)\n", cfg.ListenAddr(), c.ServerPID())
	return nil
}
