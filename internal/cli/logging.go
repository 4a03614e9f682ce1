package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrInvalidLogConfig is returned for an unknown level or format
var ErrInvalidLogConfig = errors.New("config: invalid log settings")

// LogConfig log section
//
// File 為空時寫到 stderr；否則寫入檔案並由 lumberjack 輪替
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func (l *LogConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays <= 0 {
		l.MaxAgeDays = 7
	}
}

func (l LogConfig) validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("%w: format %q", ErrInvalidLogConfig, l.Format)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: level %q", ErrInvalidLogConfig, s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger 依設定建立 logger；返回的 io.Closer 在結束時關閉日誌檔
func newLogger(cfg LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    = stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = rotating
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// setupLogging 設定 slog 預設 logger
func setupLogging(cfg LogConfig, stderr io.Writer) (io.Closer, error) {
	logger, closer, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}
