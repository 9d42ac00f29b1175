// Package logging builds the process logger: JSON slog records written to a
// size-rotated file under the base directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hpungsan/tabkeep/internal/config"
)

// DefaultFile is the log path relative to the base directory.
const DefaultFile = "logs/tabkeep.log"

// Rotation limits.
const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 28
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Path resolves the log file location for cfg.
func Path(cfg *config.Config, baseDir string) string {
	p := cfg.LogFile
	if p == "" {
		p = DefaultFile
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return p
}

// New returns a logger per cfg and a closer for its output. log_file
// "stderr" logs to standard error without rotation.
func New(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var out io.WriteCloser
	if cfg.LogFile == "stderr" {
		out = nopCloser{os.Stderr}
	} else {
		path := Path(cfg, baseDir)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("pid", os.Getpid()), out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
