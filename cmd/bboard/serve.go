package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/bboard/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bulletin board server",
	Long: `Start the bulletin board server.

Configuration comes from the optional YAML file, then from environment
variables (BBOARD_TCP_ADDR, BBOARD_HTTP_ADDR, ALLOWED_ORIGINS, ...), then
from the address flags.

The server runs until interrupted (Ctrl+C) or it receives SIGTERM, then
closes every connection and waits for sessions to finish.

Example:
  bboard serve
  bboard serve -c /etc/bboard/config.yaml --tcp-addr :7000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file")
	serveCmd.Flags().String("tcp-addr", "", "TCP listen address (overrides config)")
	serveCmd.Flags().String("http-addr", "", "HTTP/WebSocket listen address (overrides config)")
	serveCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().String("log-format", "json", "log format: json or text")
}

// newLogger builds the CLI logger writing to w.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// loadConfig reads the config file if one is given, otherwise defaults plus
// environment overrides.
func loadConfig(path string) (*server.Config, error) {
	if path == "" {
		cfg := server.NewConfigFromEnv()
		return cfg, cfg.Validate()
	}
	return server.LoadConfig(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	logger, err := newLogger(os.Stderr, level, format)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("tcp-addr"); addr != "" {
		cfg.TCPAddr = addr
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.HTTPAddr = addr
	}

	logger.Info("config loaded",
		"tcp_addr", cfg.TCPAddr,
		"http_addr", cfg.HTTPAddr,
		"groups", len(cfg.Groups),
		"unique_usernames", cfg.UniqueUsernames,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(*cfg, server.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
