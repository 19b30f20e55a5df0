package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/observability"
	"github.com/shieldchat/presence/internal/realtime"
	"github.com/spf13/cobra"
)

// Configuration priority everywhere: CLI flags > environment variables > defaults.

func stringSetting(cmd *cobra.Command, flag, env string) string {
	value, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) {
		return value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return value
}

func intSetting(cmd *cobra.Command, flag, env string) (int, error) {
	value, _ := cmd.Flags().GetInt(flag)
	if cmd.Flags().Changed(flag) {
		return value, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return n, nil
	}
	return value, nil
}

func durationSetting(cmd *cobra.Command, flag, env string) (time.Duration, error) {
	value, _ := cmd.Flags().GetDuration(flag)
	if cmd.Flags().Changed(flag) {
		return value, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return d, nil
	}
	return value, nil
}

func addLogFlags(cmd *cobra.Command) {
	def := log.DefaultConfig()
	cmd.Flags().String("log-mode", def.Mode, "Log output: console or database")
	cmd.Flags().String("log-level", def.Level, "Log level: debug, info, warn, error")
	cmd.Flags().String("log-format", def.Format, "Console log format: text or json")
	cmd.Flags().String("log-db", def.DBPath, "Path to the log database (database mode)")
	cmd.Flags().Int("log-retention", def.RetentionDays, "Days to keep database log entries")
}

// buildLogConfig creates a log.Config from environment variables and CLI flags.
func buildLogConfig(cmd *cobra.Command) (*log.Config, error) {
	cfg := log.DefaultConfig()
	cfg.Mode = stringSetting(cmd, "log-mode", "PRESENCE_LOG_MODE")
	cfg.Level = stringSetting(cmd, "log-level", "PRESENCE_LOG_LEVEL")
	cfg.Format = stringSetting(cmd, "log-format", "PRESENCE_LOG_FORMAT")
	cfg.DBPath = stringSetting(cmd, "log-db", "PRESENCE_LOG_DB")

	days, err := intSetting(cmd, "log-retention", "PRESENCE_LOG_RETENTION")
	if err != nil {
		return nil, err
	}
	cfg.RetentionDays = days

	switch cfg.Mode {
	case "console", "database":
	default:
		return nil, fmt.Errorf("unknown log mode %q", cfg.Mode)
	}
	return cfg, nil
}

func addOtelFlags(cmd *cobra.Command) {
	def := observability.NewConfig()
	cmd.Flags().String("otel-exporter", def.Exporter, "Telemetry exporter: none, stdout or otlp")
	cmd.Flags().String("otel-endpoint", def.Endpoint, "OTLP gRPC endpoint")
	cmd.Flags().String("otel-service-name", def.ServiceName, "Service name reported to telemetry")
	cmd.Flags().Float64("otel-sample-rate", def.SampleRate, "Trace sampling rate (0.0 to 1.0)")
	cmd.Flags().Bool("otel-traces", def.TracesEnabled, "Export traces")
}

// buildTelemetryConfig creates an observability.Config from environment
// variables and CLI flags.
func buildTelemetryConfig(cmd *cobra.Command) (*observability.Config, error) {
	cfg := observability.NewConfig()
	cfg.Exporter = stringSetting(cmd, "otel-exporter", "OTEL_EXPORTER")
	cfg.Endpoint = stringSetting(cmd, "otel-endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.ServiceName = stringSetting(cmd, "otel-service-name", "OTEL_SERVICE_NAME")

	cfg.SampleRate, _ = cmd.Flags().GetFloat64("otel-sample-rate")
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" && !cmd.Flags().Changed("otel-sample-rate") {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %q: %w", v, err)
		}
		cfg.SampleRate = rate
	}
	cfg.TracesEnabled, _ = cmd.Flags().GetBool("otel-traces")

	switch cfg.Exporter {
	case "none", "stdout", "otlp":
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}
	return cfg, nil
}

// buildRealtimeConfig reads presence TTL and sweep settings.
func buildRealtimeConfig(cmd *cobra.Command) (realtime.Config, error) {
	ttl, err := durationSetting(cmd, "ttl", "PRESENCE_TTL")
	if err != nil {
		return realtime.Config{}, err
	}
	sweep, err := durationSetting(cmd, "sweep-interval", "PRESENCE_SWEEP_INTERVAL")
	if err != nil {
		return realtime.Config{}, err
	}
	if ttl <= 0 || sweep <= 0 {
		return realtime.Config{}, fmt.Errorf("ttl and sweep interval must be positive")
	}
	return realtime.Config{TTL: ttl, SweepInterval: sweep}, nil
}
