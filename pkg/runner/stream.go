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

package runner

import (
	"bytes"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/logging"
)

const defaultIndent = "    "

// StreamWrapper is a sink that forwards each line it receives to a logger.
// Lines are tagged with logging.StreamField so the console prints them
// verbatim behind Indent.
type StreamWrapper struct {
	log    logrus.FieldLogger
	level  logrus.Level
	stream string

	// Indent is prepended to each line on the console.
	Indent string
	// Preprocess, if set, may rewrite a line. Lines for which it returns
	// false are dropped.
	Preprocess func(line string) (string, bool)

	mu      sync.Mutex
	partial bytes.Buffer
}

// NewStreamWrapper creates a wrapper that logs lines at level. stream names the
// origin of the lines ("stdout" or "stderr").
func NewStreamWrapper(log logrus.FieldLogger, level logrus.Level, stream string) *StreamWrapper {
	return &StreamWrapper{
		log:    log,
		level:  level,
		stream: stream,
		Indent: defaultIndent,
	}
}

// Write logs every complete line in p. A trailing partial line is kept until
// the rest of it arrives.
func (w *StreamWrapper) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.partial.Write(p)
	var lines []string
	for {
		data := w.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(data[:i]), "\r"))
		w.partial.Next(i + 1)
	}
	w.mu.Unlock()

	for _, l := range lines {
		w.WriteLine(l)
	}
	return len(p), nil
}

// WriteLine logs a single line.
func (w *StreamWrapper) WriteLine(line string) {
	if w.Preprocess != nil {
		var keep bool
		if line, keep = w.Preprocess(line); !keep {
			return
		}
	}
	w.log.WithFields(logrus.Fields{
		logging.StreamField: w.stream,
		logging.IndentField: w.Indent,
	}).Log(w.level, line)
}
