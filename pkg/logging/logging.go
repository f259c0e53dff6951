// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

// Package logging builds the logger used throughout tprep.
//
// Every entry goes to two places: the console, filtered by the configured
// verbosity and colored by severity, and (optionally) a log file that receives
// every entry, unformatted, regardless of verbosity.
//
// Console output is serialized through a single goroutine so that producers
// running concurrently (process-output sinks, download progress) never
// interleave partial lines.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Verbosity is the console verbosity.
type Verbosity int

const (
	Silent Verbosity = iota
	Quiet
	Normal
	Verbose
	Diagnostic
)

var verbosityNames = []string{"silent", "quiet", "normal", "verbose", "diagnostic"}

func (v Verbosity) String() string {
	if int(v) < 0 || int(v) >= len(verbosityNames) {
		return fmt.Sprintf("verbosity(%d)", int(v))
	}
	return verbosityNames[v]
}

// VerbosityNames returns the names accepted by ParseVerbosity.
func VerbosityNames() []string {
	return append([]string(nil), verbosityNames...)
}

// ParseVerbosity parses a verbosity name.
// Names may be abbreviated down to their first letter.
func ParseVerbosity(name string) (Verbosity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Normal, fmt.Errorf("empty logging verbosity")
	}
	for i, n := range verbosityNames {
		if strings.HasPrefix(n, name) {
			return Verbosity(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown logging verbosity level '%s'", name)
}

// Level returns the most verbose logrus level shown on the console.
func (v Verbosity) Level() logrus.Level {
	switch v {
	case Silent:
		return logrus.PanicLevel
	case Quiet:
		return logrus.WarnLevel
	case Verbose:
		return logrus.DebugLevel
	case Diagnostic:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Options configures New.
type Options struct {
	Verbosity Verbosity

	// Console defaults to os.Stdout.
	Console io.Writer

	// Color enables lipgloss coloring of console lines.
	// Use ColorSupported to decide the default.
	Color bool

	// LogFile, if not empty, receives every entry.
	LogFile string
}

// Logger is a logrus logger with the console and file outputs attached.
// Close must be called to flush pending console lines.
type Logger struct {
	*logrus.Logger

	console *asyncWriter
	file    *FileHook
}

// New creates a logger.
func New(options Options) (*Logger, error) {
	out := options.Console
	if out == nil {
		out = os.Stdout
	}

	l := logrus.New()
	// Levels are filtered per hook. The logger itself lets everything
	// through so that the log file sees debug output.
	l.SetLevel(logrus.TraceLevel)
	l.SetOutput(io.Discard)
	l.SetFormatter(&discardFormatter{})

	console := newAsyncWriter(out, defaultQueueSize)
	l.AddHook(&consoleHook{
		level:     options.Verbosity.Level(),
		formatter: newConsoleFormatter(options.Color),
		out:       console,
	})

	result := &Logger{
		Logger:  l,
		console: console,
	}

	if options.LogFile != "" {
		hook, err := NewFileHook(options.LogFile)
		if err != nil {
			console.Close()
			return nil, err
		}
		l.AddHook(hook)
		result.file = hook
	}
	return result, nil
}

// LogFilePath returns the path of the log file, or "" if there is none.
func (l *Logger) LogFilePath() string {
	if l.file == nil {
		return ""
	}
	return l.file.path
}

// Close flushes the console queue and closes the log file.
func (l *Logger) Close() error {
	l.console.Close()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ColorSupported returns whether w is a terminal that can show colors.
func ColorSupported(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Interactive returns whether the session is attached to a terminal.
func Interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
}

// Success logs an info line that is shown as a success.
func Success(log logrus.FieldLogger, format string, a ...interface{}) {
	log.WithField(StatusField, StatusSuccess).Infof(format, a...)
}

// Banner logs a banner line, shown unless the console is quiet.
func Banner(log logrus.FieldLogger, text string) {
	const rule = "=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-=-="
	b := log.WithField(StatusField, StatusBanner)
	b.Info("")
	b.Info(rule)
	b.Info(text)
	b.Info(rule)
	b.Info("")
}

type discardFormatter struct{}

func (discardFormatter) Format(*logrus.Entry) ([]byte, error) {
	return nil, nil
}

type consoleHook struct {
	level     logrus.Level
	formatter logrus.Formatter
	out       io.Writer
}

func (h *consoleHook) Levels() []logrus.Level {
	var result []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			result = append(result, l)
		}
	}
	return result
}

func (h *consoleHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(b)
	return err
}
