// Package common provides shared utilities for the Repple binaries.
//
//   - Logger construction from the --log-json and --log-level flags
//   - HTTP server defaults shared by the peer and experiment commands
//   - Signal handling and flag override helpers
package common

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThomasWerthenbach/Repple/api/httpserver"
	repple "github.com/ThomasWerthenbach/Repple/common"
)

// LogConfig selects the slog handler of a binary.
type LogConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// ParseLevel accepts debug, info, warn and error, case insensitive. An empty
// level is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a logger writing to w tagged with the binary name and
// version.
func NewLogger(w io.Writer, cfg LogConfig, service string) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", service, "version", repple.Version), nil
}

// HTTPConfig holds the listener settings shared by every binary.
type HTTPConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	EnablePprof bool     `yaml:"enable_pprof"`
	CORSOrigins []string `yaml:"cors_origins"`

	DrainDuration time.Duration `yaml:"drain_duration"`
}

// ServerConfig converts c into a BaseServer configuration with the
// timeouts used by all Repple binaries.
func (c HTTPConfig) ServerConfig(log *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               c.ListenAddr,
		MetricsAddr:              c.MetricsAddr,
		EnablePprof:              c.EnablePprof,
		CORSOrigins:              c.CORSOrigins,
		Log:                      log,
		DrainDuration:            c.DrainDuration,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// IsFlagSet reports whether name was passed explicitly on the command line,
// so that flag defaults do not override values from a config file.
func IsFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
