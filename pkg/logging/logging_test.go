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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func Test_ParseVerbosity(t *testing.T) {
	tests := map[string]Verbosity{
		"s":          Silent,
		"quiet":      Quiet,
		"N":          Normal,
		"verb":       Verbose,
		"diagnostic": Diagnostic,
	}
	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			v, err := ParseVerbosity(in)
			require.NoError(t, err)
			assert.Equal(t, expected, v)
		})
	}
	_, err := ParseVerbosity("loud")
	assert.Error(t, err)
	_, err = ParseVerbosity(" ")
	assert.Error(t, err)
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func Test_Logger(t *testing.T) {
	t.Run("ConsoleFiltersByVerbosity", func(t *testing.T) {
		var out lockedBuffer
		l, err := New(Options{Verbosity: Normal, Console: &out})
		require.NoError(t, err)
		l.Debug("hidden")
		l.Info("shown")
		l.Warn("careful")
		l.WithField(StreamField, "stderr").WithField(IndentField, "  ").Error("boom")
		require.NoError(t, l.Close())

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		assert.Equal(t, []string{"shown", "Warning: careful", "  boom"}, lines)
	})

	t.Run("FileGetsEverything", func(t *testing.T) {
		var out lockedBuffer
		logPath := filepath.Join(t.TempDir(), "logs", LogFileName(fixedTime))
		l, err := New(Options{Verbosity: Quiet, Console: &out, LogFile: logPath})
		require.NoError(t, err)
		assert.Equal(t, logPath, l.LogFilePath())
		l.WithField("step", "deps").Debug("detail")
		l.Info("info")
		require.NoError(t, l.Close())

		assert.Equal(t, "", out.String())
		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		s := string(content)
		assert.Contains(t, s, `level="debug" step="deps" msg="detail"`)
		assert.Contains(t, s, `level="info" msg="info"`)
	})

	t.Run("WriteAfterClose", func(t *testing.T) {
		var out lockedBuffer
		l, err := New(Options{Verbosity: Normal, Console: &out})
		require.NoError(t, err)
		require.NoError(t, l.Close())
		l.Info("dropped")
		assert.Equal(t, "", out.String())
	})
}

func Test_consoleFormatter(t *testing.T) {
	f := newConsoleFormatter(false)
	entry := logrus.NewEntry(logrus.New())
	entry.Level = logrus.InfoLevel
	entry.Message = "done"
	entry.Data = logrus.Fields{StatusField: StatusSuccess}
	b, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(b))

	entry.Level = logrus.DebugLevel
	entry.Data = logrus.Fields{"program": "git"}
	b, err = f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "done program=git\n", string(b))
}
