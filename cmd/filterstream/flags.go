package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/sawpanic/filterstream/internal/config"
)

func addGlobalFlags(fs *pflag.FlagSet, a *app) {
	fs.StringVarP(&a.configPath, "config", "c", "", "YAML config file (defaults and environment when empty)")
	fs.StringVar(&a.logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	fs.StringVar(&a.logFormat, "log-format", "auto", "Log format (auto|console|json)")
}

func addStreamFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "Stream endpoint, overrides stream.url")
	fs.Duration("timeout", 0, "Idle timeout before reconnecting, overrides stream.timeout_ms")
	fs.Bool("no-retry", false, "Exit on the first disconnect instead of reconnecting")
	fs.String("handler-policy", "", "What a sink failure does (continue|abort)")
	fs.Bool("metrics", false, "Serve /health and /metrics")
	fs.String("metrics-addr", "", "Monitor server address, overrides metrics.addr")
	fs.Bool("relay", false, "Relay posts to WebSocket clients on /ws (implies --metrics)")
	fs.Bool("no-dedup", false, "Deliver posts replayed after a reconnect")
	fs.Bool("no-stdout", false, "Do not print posts to stdout")
}

// applyStreamFlags copies explicitly set flags over the loaded config
func applyStreamFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("url") {
		v, _ := fs.GetString("url")
		cfg.Stream.URL = v
	}
	if fs.Changed("timeout") {
		v, _ := fs.GetDuration("timeout")
		if v <= 0 {
			return fmt.Errorf("--timeout must be positive, got %s", v)
		}
		cfg.Stream.TimeoutMS = int(v / time.Millisecond)
	}
	if v, _ := fs.GetBool("no-retry"); v {
		cfg.Stream.Retry.Enabled = false
	}
	if fs.Changed("handler-policy") {
		v, _ := fs.GetString("handler-policy")
		cfg.Stream.HandlerPolicy = v
	}
	if v, _ := fs.GetBool("metrics"); v {
		cfg.Metrics.Enabled = true
	}
	if fs.Changed("metrics-addr") {
		v, _ := fs.GetString("metrics-addr")
		cfg.Metrics.Addr = v
	}
	if v, _ := fs.GetBool("relay"); v {
		cfg.Relay.Enabled = true
		cfg.Metrics.Enabled = true
	}
	if v, _ := fs.GetBool("no-dedup"); v {
		cfg.Dedup.Enabled = false
	}
	if v, _ := fs.GetBool("no-stdout"); v {
		cfg.Sinks.Stdout = false
	}
	return cfg.Validate()
}

func addRulesFlags(fs *pflag.FlagSet) {
	fs.Bool("dry-run", false, "Ask the server to validate without applying changes")
}

func addTagFlag(fs *pflag.FlagSet) {
	fs.String("tag", "", "Label echoed back in matching_rules")
}
