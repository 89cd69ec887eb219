// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures structured logging for loom.
//
// Logging goes to a file (or any writer), never to the terminal the TUI
// owns. The hot streaming path logs at debug level only.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console writer for development
	Output io.Writer
}

var (
	mu   sync.RWMutex
	root = zerolog.Nop()
)

// Init configures the package logger. Safe to call once at startup; before
// Init all logging is a no-op.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// InitFile configures logging to a file under dir, creating it as needed.
func InitFile(dir, level string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "loom.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	Init(Config{Level: level, Output: f})
	return nil
}

// Component returns a logger tagged with a component field.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}
