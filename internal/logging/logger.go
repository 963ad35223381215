// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package logging wraps the process-wide logger. Core packages log through
// these helpers so the output backend stays swappable in one place.
package logging

import (
	"fmt"
	"os"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger.
var L = clog.New(os.Stderr)

// SetLevel adjusts the minimum level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	if lv, err := clog.ParseLevel(level); err == nil {
		L.SetLevel(lv)
	}
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}

// Warn logs a warning with structured key-value pairs. Used on the tolerated
// failure paths (leaked credentials, orphaned rows) where the keys matter
// more than prose.
func Warn(msg string, keyvals ...interface{}) {
	L.Warn(msg, keyvals...)
}

// Info logs an info message with structured key-value pairs.
func Info(msg string, keyvals ...interface{}) {
	L.Info(msg, keyvals...)
}
