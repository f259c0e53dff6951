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

package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

const (
	// StatusField marks an entry with a presentation status.
	StatusField = "status"

	StatusSuccess = "success"
	StatusBanner  = "banner"

	// StreamField is set on lines echoed from a child process.
	StreamField = "stream"
	// IndentField carries the prefix of echoed process lines.
	IndentField = "indent"

	defaultQueueSize = 1024
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Inline(true)
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true).Inline(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Inline(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Inline(true)
	debugStyle   = lipgloss.NewStyle().Faint(true).Inline(true)
	streamStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Inline(true)
)

// asyncWriter forwards writes to a single goroutine that owns the
// underlying writer.
type asyncWriter struct {
	out   io.Writer
	lines chan []byte
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newAsyncWriter(out io.Writer, size int) *asyncWriter {
	w := &asyncWriter{
		out:   out,
		lines: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *asyncWriter) drain() {
	defer close(w.done)
	for line := range w.lines {
		w.out.Write(line)
	}
}

// Write queues a copy of p. Writes after Close are dropped.
func (w *asyncWriter) Write(p []byte) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return len(p), nil
	}
	w.lines <- append([]byte(nil), p...)
	return len(p), nil
}

// Close waits until every queued line has been written.
func (w *asyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.lines)
	w.mu.Unlock()
	<-w.done
}

type consoleFormatter struct {
	color bool
}

func newConsoleFormatter(color bool) *consoleFormatter {
	return &consoleFormatter{color: color}
}

func (f *consoleFormatter) render(style lipgloss.Style, s string) string {
	if !f.color || s == "" {
		return s
	}
	return style.Render(s)
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	msg := entry.Message

	if stream, ok := entry.Data[StreamField]; ok {
		indent, _ := entry.Data[IndentField].(string)
		line := indent + msg
		switch {
		case entry.Level <= logrus.ErrorLevel:
			line = f.render(errorStyle, line)
		case entry.Level == logrus.WarnLevel:
			line = f.render(warningStyle, line)
		case stream == "stdout":
			line = f.render(streamStyle, line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
		return b.Bytes(), nil
	}

	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		msg = f.render(errorStyle, "Error: "+msg)
	case logrus.WarnLevel:
		msg = f.render(warningStyle, "Warning: "+msg)
	case logrus.DebugLevel, logrus.TraceLevel:
		msg = f.render(debugStyle, msg)
	default:
		switch entry.Data[StatusField] {
		case StatusSuccess:
			msg = f.render(successStyle, msg)
		case StatusBanner:
			msg = f.render(bannerStyle, msg)
		}
	}
	b.WriteString(msg)
	if fields := formatConsoleFields(entry.Data); fields != "" && entry.Level >= logrus.DebugLevel {
		b.WriteString(" ")
		b.WriteString(f.render(debugStyle, fields))
	}
	if err, ok := entry.Data[logrus.ErrorKey]; ok && entry.Level < logrus.DebugLevel {
		b.WriteString(": ")
		b.WriteString(fmt.Sprint(err))
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func formatConsoleFields(data logrus.Fields) string {
	var parts []string
	for k, v := range data {
		if k == StatusField || k == StreamField || k == IndentField {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
