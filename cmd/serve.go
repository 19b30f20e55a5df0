// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/observability"
	"github.com/shieldchat/presence/internal/realtime"
	"github.com/shieldchat/presence/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the presence server",
	Long:  `Starts the HTTP server. GET / answers a liveness probe or upgrades to the presence WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logConfig, err := buildLogConfig(cmd)
		if err != nil {
			return err
		}
		if err := log.Init(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer log.Close()

		otelConfig, err := buildTelemetryConfig(cmd)
		if err != nil {
			return err
		}
		observability.Version = Version
		tel, cleanup, err := observability.Init(context.Background(), otelConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()

		rtConfig, err := buildRealtimeConfig(cmd)
		if err != nil {
			return err
		}

		port, err := intSetting(cmd, "port", "PORT")
		if err != nil {
			return err
		}
		host := stringSetting(cmd, "host", "PRESENCE_HOST")
		addr := fmt.Sprintf("%s:%d", host, port)

		srv := server.NewWithConfig(server.ServerConfig{
			Realtime:  rtConfig,
			Telemetry: tel,
		})

		// Handle graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(addr)
		}()

		fmt.Printf("Starting presence server on %s\n", addr)
		fmt.Printf("  WebSocket: ws://%s/\n", addr)
		fmt.Printf("  Presence TTL: %s (sweep every %s)\n", rtConfig.TTL, rtConfig.SweepInterval)
		fmt.Printf("  Telemetry: %s\n", otelConfig.Exporter)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			fmt.Println("\nShutting down...")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Duration("ttl", realtime.DefaultTTL, "Evict presence records idle longer than this")
	serveCmd.Flags().Duration("sweep-interval", realtime.DefaultSweepInterval, "How often stale presence is swept")
	addLogFlags(serveCmd)
	addOtelFlags(serveCmd)
}
