package common

import (
	"bytes"
	"encoding/json"
	"flag"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		require.Equal(t, want, got, input)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, LogConfig{JSON: true, Level: "warn"}, "peer")
	require.NoError(t, err)

	log.Info("dropped")
	require.Zero(t, buf.Len())

	log.Warn("kept", "epoch", 3)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kept", line["msg"])
	require.Equal(t, "peer", line["service"])
	require.EqualValues(t, 3, line["epoch"])
}

func TestIsFlagSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("addr", ":8080", "")
	fs.Int("epochs", 5, "")
	require.NoError(t, fs.Parse([]string{"--epochs=7"}))

	require.True(t, IsFlagSet(fs, "epochs"))
	require.False(t, IsFlagSet(fs, "addr"))
}

func TestServerConfig(t *testing.T) {
	cfg := HTTPConfig{ListenAddr: ":9000", CORSOrigins: []string{"*"}}.ServerConfig(slog.Default())
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.Positive(t, cfg.GracefulShutdownDuration)
}
