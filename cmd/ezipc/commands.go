// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ezipc/ezipc-go/pkg/config"
	"github.com/ezipc/ezipc-go/pkg/ezlog"
	"github.com/ezipc/ezipc-go/pkg/node"
)

// --- Global Command Variables ---
var (
	configPath    string
	logDir        string
	logJSON       bool
	logLevel      string
	adminAddr     string
	encryptFlag   bool
	traceFlag     bool
	remoteAddress string
	remotePort    int

	rootCmd = &cobra.Command{
		Use:   "ezipc",
		Short: "Run or drive an ezipc peer-to-peer JSON-RPC node",
		Long: `ezipc runs a single node of a peer-to-peer JSON-RPC 2.0 messaging
network: serve accepts inbound connections, connect dials an existing one.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Bind a listener and accept inbound peers",
		RunE:  runServe,
	}

	connectCmd = &cobra.Command{
		Use:   "connect [address] [port]",
		Short: "Dial an existing node and keep the connection open",
		Args:  cobra.ExactArgs(2),
		RunE:  runConnect,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (stderr-only if unset)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log to stderr as JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&encryptFlag, "encrypt", false, "Offer the X25519 crypto handshake (a failed handshake leaves the connection in plaintext)")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "Emit OpenTelemetry spans/metrics as JSON on stderr")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "", "Bind the /healthz, /metrics, /peers admin HTTP surface here (disabled if unset)")

	rootCmd.AddCommand(connectCmd)
}

func buildLogger(service string) *ezlog.Logger {
	return ezlog.New(ezlog.Config{
		Level:   parseLevel(logLevel),
		LogDir:  logDir,
		Service: service,
		JSON:    logJSON,
	})
}

func parseLevel(s string) ezlog.Level {
	switch s {
	case "debug":
		return ezlog.LevelDebug
	case "warn":
		return ezlog.LevelWarn
	case "error":
		return ezlog.LevelError
	default:
		return ezlog.LevelInfo
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger("ezipc-serve")
	defer logger.Close()

	shutdownTelemetry, err := setupTelemetry("ezipc-serve")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	acc := node.NewAcceptor(node.Options{
		WorkerCount:       cfg.Helpers,
		QueueDepth:        cfg.QueueDepth,
		RequestTimeout:    cfg.Timeout(),
		EncryptionCapable: encryptFlag,
		Autopublish:       cfg.Autopublish,
		Logger:            logger.Slog(),
	})

	if err := acc.Listen(cfg.Address, cfg.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("listening", "addr", acc.Addr(), "published", acc.PublishedAddr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if adminAddr != "" {
		go func() {
			if err := acc.AdminRouter().Run(adminAddr); err != nil {
				logger.Warn("admin http server exited", "error", err)
			}
		}()
	}

	if err := acc.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutting down")
	return acc.Close()
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger("ezipc-connect")
	defer logger.Close()

	shutdownTelemetry, err := setupTelemetry("ezipc-connect")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	initiator := node.NewInitiator(node.Options{
		WorkerCount:       cfg.Helpers,
		QueueDepth:        cfg.QueueDepth,
		RequestTimeout:    cfg.Timeout(),
		EncryptionCapable: encryptFlag,
		Logger:            logger.Slog(),
	})

	remoteAddress = args[0]
	if _, err := fmt.Sscanf(args[1], "%d", &remotePort); err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := initiator.Connect(ctx, remoteAddress, remotePort, cfg.Timeout())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("connected", "remote_id", result.RemoteID, "encrypted", result.Encrypted)

	<-ctx.Done()
	logger.Info("shutting down")
	result.Peer.Terminate("client shutting down")
	time.Sleep(100 * time.Millisecond)
	return nil
}
