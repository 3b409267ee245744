package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chimerakang/authctx-go/config"
	"github.com/chimerakang/authctx-go/issuer"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler_JSONWhenNotTTY(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, config.Log{Level: "info", Format: "auto"}, false))

	logger.Debug("hidden")
	logger.Warn("membership fetch failed", "error", errors.New("connection refused"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "membership fetch failed", line["msg"])
	// the error is expanded into a group by the formatter
	assert.IsType(t, map[string]any{}, line["error"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewHandler_ConsoleFormats(t *testing.T) {
	for _, format := range []string{"text", "auto"} {
		var buf bytes.Buffer
		slog.New(newHandler(&buf, config.Log{Level: "debug", Format: format}, format == "auto")).Debug("resolved", "tenant_id", "t1")

		assert.Contains(t, buf.String(), "resolved", format)
		assert.Contains(t, buf.String(), "t1", format)
		assert.False(t, json.Valid(buf.Bytes()), format)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestLoadSigningKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ephemeral, err := loadSigningKey("", logger)
	require.NoError(t, err)
	require.NotNil(t, ephemeral)

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, issuer.EncodeKey(ephemeral), 0o600))
	loaded, err := loadSigningKey(path, logger)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(ephemeral))

	_, err = loadSigningKey(filepath.Join(t.TempDir(), "missing.pem"), logger)
	assert.Error(t, err)
}

func TestKeygenCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")
	root := newRootCmd()
	root.SetArgs([]string{"keygen", "--out", path})
	root.SetErr(io.Discard)

	require.NoError(t, root.Execute())

	pemBytes, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = issuer.ParseKey(pemBytes)
	assert.NoError(t, err)
}

func TestKeygenCmd_Stdout(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"keygen"})
	root.SetOut(&out)

	require.NoError(t, root.Execute())

	_, err := issuer.ParseKey(out.Bytes())
	assert.NoError(t, err)
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authctx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", path})

	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

type countingPinger struct {
	calls atomic.Int32
}

func (p *countingPinger) Ping(context.Context) error {
	p.calls.Add(1)
	return nil
}

func TestWatchBackend_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchBackend(ctx, &countingPinger{}, metrics.New(false), slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchBackend did not return after cancel")
	}
}
