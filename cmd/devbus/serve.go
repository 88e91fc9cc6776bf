package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/server"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the debugger relay and message bus",
		Long: `Start the devbus server. Debuggers and apps pair up on the relay
paths (?role=debugger or ?role=client), and tools exchange JSON messages on
the bus path. By default only loopback clients are accepted; widen this
with --allow-remote.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", ":8081", "listen address")
	cmd.Flags().StringSlice("relay-path", []string{server.DefaultRelayPath}, "relay endpoint path (repeatable)")
	cmd.Flags().String("bus-path", server.DefaultBusPath, "message bus endpoint path")
	cmd.Flags().StringSlice("allow-origin", nil, "extra WebSocket origin patterns to accept (e.g. localhost:*)")
	cmd.Flags().StringSlice("allow-remote", nil, "allowed remote addresses (CIDR, IP, host or *); default loopback only")
	cmd.Flags().Int("max-connections", 0, "max concurrent connections (0 = unlimited)")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "WebSocket keepalive interval (negative disables)")
	cmd.Flags().Duration("write-timeout", 10*time.Second, "per-message write timeout")
	cmd.Flags().Int64("read-limit", conn.DefaultReadLimit, "max inbound message size in bytes")
	cmd.Flags().String("devtools-url", "", "URL opened by /launch-js-devtools")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := resolveString(cmd, "addr", "DEVBUS_ADDR")
	relayPaths, _ := cmd.Flags().GetStringSlice("relay-path")
	busPath, _ := cmd.Flags().GetString("bus-path")
	allowOrigins := resolveStringSlice(cmd, "allow-origin", "DEVBUS_ALLOW_ORIGIN")
	allowRemotes := resolveStringSlice(cmd, "allow-remote", "DEVBUS_ALLOW_REMOTE")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	readLimit, _ := cmd.Flags().GetInt64("read-limit")
	devtoolsURL := resolveString(cmd, "devtools-url", "DEVBUS_DEVTOOLS_URL")

	if maxConn < 0 {
		return fmt.Errorf("--max-connections must be >= 0, got %d", maxConn)
	}
	if readLimit <= 0 {
		return fmt.Errorf("--read-limit must be > 0, got %d", readLimit)
	}
	if writeTimeout <= 0 {
		return fmt.Errorf("--write-timeout must be > 0, got %s", writeTimeout)
	}
	if pingInterval == 0 {
		pingInterval = -1
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	// pkg/browser echoes the launcher's output to stdout by default.
	browser.Stdout = os.Stderr

	srv, err := server.New(server.Config{
		RelayPaths:     relayPaths,
		BusPath:        busPath,
		AllowOrigins:   allowOrigins,
		AllowRemotes:   allowRemotes,
		MaxConnections: maxConn,
		WriteTimeout:   writeTimeout,
		PingInterval:   pingInterval,
		ReadLimit:      readLimit,
		Logger:         logger,
		Metrics:        m,
		DevToolsURL:    devtoolsURL,
		OpenBrowser:    browser.OpenURL,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return srv.Serve(ctx, ln)
}
