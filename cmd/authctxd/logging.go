package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chimerakang/authctx-go/config"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	sfmt "github.com/samber/slog-formatter"
)

// newLogger builds the daemon logger on f. In auto format a terminal gets
// coloured console output and anything else gets JSON.
func newLogger(f *os.File, cfg config.Log) *slog.Logger {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return slog.New(newHandler(f, cfg, tty))
}

func newHandler(w io.Writer, cfg config.Log, tty bool) slog.Handler {
	level := parseLevel(cfg.Level)

	var h slog.Handler
	switch {
	case cfg.Format == "json", cfg.Format == "auto" && !tty:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})
	}
	return sfmt.NewFormatterHandler(
		sfmt.ErrorFormatter("err"),
		sfmt.ErrorFormatter("error"),
	)(h)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		// default: info
		return slog.LevelInfo
	}
	return level
}
