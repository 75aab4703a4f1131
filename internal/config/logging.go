// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogManager owns the global logger output so level, file and rotation can
// change at runtime.
type LogManager struct {
	out         *switchWriter
	version     string
	mu          sync.Mutex
	initialized atomic.Bool
}

func NewLogManager(version string) *LogManager {
	return &LogManager{
		out:     newSwitchWriter(baseLogWriter(version)),
		version: version,
	}
}

// Initialize points log.Logger at the manager's writer. Later calls are no-ops.
func (lm *LogManager) Initialize() {
	if lm.initialized.Swap(true) {
		return
	}
	// level stays at trace; filtering happens through the global level
	log.Logger = log.Logger.Output(lm.out).Level(zerolog.TraceLevel)
}

// Apply sets the level and output. File output is rotated by size.
func (lm *LogManager) Apply(level, logPath string, maxSize, maxBackups int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	setLogLevel(level)

	base := baseLogWriter(lm.version)
	if logPath == "" {
		lm.closeOld(lm.out.swap(base, nil))
		return nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
	lm.closeOld(lm.out.swap(io.MultiWriter(base, rotator), rotator))

	return nil
}

func (lm *LogManager) closeOld(c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close old log rotator")
	}
}

func baseLogWriter(version string) io.Writer {
	if version == "" || strings.Contains(version, "dev") {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return os.Stderr
}

func setLogLevel(level string) {
	switch canonicalizeLogLevel(level) {
	case "TRACE":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// canonicalizeLogLevel returns an upper case level, INFO when unknown.
func canonicalizeLogLevel(level string) string {
	normalized := strings.ToUpper(strings.TrimSpace(level))
	switch normalized {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		return normalized
	default:
		return "INFO"
	}
}

type switchTarget struct {
	w      io.Writer
	closer io.Closer
}

type switchWriter struct {
	target atomic.Pointer[switchTarget]
}

func newSwitchWriter(initial io.Writer) *switchWriter {
	sw := &switchWriter{}
	sw.target.Store(&switchTarget{w: initial})
	return sw
}

func (sw *switchWriter) Write(p []byte) (int, error) {
	t := sw.target.Load()
	if t == nil || t.w == nil {
		return len(p), nil
	}
	return t.w.Write(p) //nolint:wrapcheck // io.Writer
}

// swap installs w and returns the previous closer for the caller to close.
func (sw *switchWriter) swap(w io.Writer, closer io.Closer) io.Closer {
	old := sw.target.Swap(&switchTarget{w: w, closer: closer})
	if old == nil {
		return nil
	}
	return old.closer
}
