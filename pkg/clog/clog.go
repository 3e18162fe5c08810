// Copyright (c) 2023-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package clog is the logging front-end used across the launcher and the
// hook binaries. It is a thin facade over logrus with two output shapes:
// plain leveled text on stderr for interactive use, and JSON Lines of
// {level, message, timestamp} for hook processes, whose stderr is collected
// by the low-level OCI runtime.
package clog

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level describes a verbosity threshold.
type Level int

const (
	ErrorLevel Level = iota
	WarnLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

var logger = newTextLogger()

func newTextLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&textFormatter{})
	return l
}

// textFormatter renders "LEVEL:   message\n" lines, upper-cased and padded
// so that messages line up regardless of level name length.
type textFormatter struct{}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	level := "INFO"
	switch e.Level {
	case logrus.TraceLevel:
		level = "DEBUG"
	case logrus.DebugLevel:
		level = "VERBOSE"
	case logrus.WarnLevel:
		level = "WARNING"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		level = "ERROR"
	}
	return []byte(fmt.Sprintf("%-8s %s\n", level+":", e.Message)), nil
}

func logrusLevel(l Level) logrus.Level {
	switch {
	case l <= ErrorLevel:
		return logrus.ErrorLevel
	case l == WarnLevel:
		return logrus.WarnLevel
	case l == InfoLevel:
		return logrus.InfoLevel
	case l == VerboseLevel:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// SetLevel adjusts the verbosity threshold of the process-wide logger.
func SetLevel(l Level) {
	logger.SetLevel(logrusLevel(l))
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetHookOutput switches the logger to the hook diagnostic contract: one
// JSON object per line on w, with exactly the level, message and timestamp
// fields.
func SetHookOutput(w io.Writer) {
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyLevel: "level",
		},
	})
}

// Debugf logs at debug level, the most verbose threshold.
func Debugf(format string, args ...interface{}) {
	logger.Tracef(format, args...)
}

// Verbosef logs at verbose level, between info and debug.
func Verbosef(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs at the default threshold.
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warningf logs a non-fatal problem.
func Warningf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs an error. It does not exit; callers decide that.
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}
