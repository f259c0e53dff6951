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
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	str := strings.TrimRight(s.b.String(), "\n")
	if str == "" {
		return nil
	}
	return strings.Split(str, "\n")
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func Test_Runner(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		var out, errOut syncBuffer
		r := New(quietLogger(), "sh", "-c", "echo one; echo two; echo three >&2")
		r.AddStandardOutputSink(&out).AddStandardErrorSink(&errOut)
		assert.Equal(t, NotExecutedYet, r.ErrorReason())
		assert.Equal(t, -1, r.ExitCode())

		require.True(t, r.Run(ctx))
		assert.Equal(t, NoError, r.ErrorReason())
		assert.Equal(t, 0, r.ExitCode())
		assert.False(t, r.TimedOut())
		assert.Greater(t, r.ProcessID(), 0)
		assert.Equal(t, []string{"one", "two"}, out.Lines())
		assert.Equal(t, []string{"three"}, errOut.Lines())
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		r := New(quietLogger(), "sh", "-c", "exit 3")
		assert.False(t, r.Run(ctx))
		assert.Equal(t, ExitCodeNotZero, r.ErrorReason())
		assert.Equal(t, 3, r.ExitCode())
	})

	t.Run("CommandNotFound", func(t *testing.T) {
		r := New(quietLogger(), "tprep-no-such-command")
		assert.False(t, r.Run(ctx))
		assert.Equal(t, CommandNotFound, r.ErrorReason())
		assert.Equal(t, -1, r.ExitCode())
	})

	t.Run("Timeout", func(t *testing.T) {
		r := New(quietLogger(), "sleep", "10")
		r.ProcessTimeout = 100 * time.Millisecond
		start := time.Now()
		assert.False(t, r.Run(ctx))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.True(t, r.TimedOut())
		assert.Equal(t, ExecutionTimedOut, r.ErrorReason())
		assert.Equal(t, -1, r.ExitCode())
	})

	t.Run("DoNotKillOnTimeout", func(t *testing.T) {
		r := New(quietLogger(), "sleep", "10")
		r.ProcessTimeout = 100 * time.Millisecond
		r.DoNotKillOnTimeout = true
		assert.False(t, r.Run(ctx))
		assert.True(t, r.TimedOut())
		assert.Equal(t, ExecutionTimedOut, r.ErrorReason())

		p, err := os.FindProcess(r.ProcessID())
		require.NoError(t, err)
		assert.NoError(t, p.Signal(syscall.Signal(0)), "process must still be alive")
		require.NoError(t, p.Kill())
	})

	t.Run("EnvironmentAndWorkingDirectory", func(t *testing.T) {
		dir := t.TempDir()
		r := New(quietLogger(), "sh", "-c", `echo "$TPREP_TEST_VALUE"; pwd`)
		r.Environment = map[string]string{"TPREP_TEST_VALUE": "hello"}
		r.WorkingDirectory = dir
		out, err := r.Output(ctx)
		require.NoError(t, err)
		lines := strings.Split(out, "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "hello", lines[0])
		resolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Equal(t, resolved, lines[1])
	})

	t.Run("SharedSink", func(t *testing.T) {
		var all syncBuffer
		r := New(quietLogger(), "sh", "-c", "for i in 1 2 3 4 5; do echo out$i; echo err$i >&2; done")
		r.AddStandardOutputSink(&all).AddStandardErrorSink(&all)
		require.True(t, r.Run(ctx))
		lines := all.Lines()
		assert.Len(t, lines, 10)
		assert.Len(t, r.guards, 1)
	})

	t.Run("RunTwicePanics", func(t *testing.T) {
		r := New(quietLogger(), "true")
		r.Run(ctx)
		assert.Panics(t, func() { r.Run(ctx) })
	})
}

func Test_Arguments(t *testing.T) {
	assert.Panics(t, func() { New(nil, "") })
	assert.Panics(t, func() { New(nil, "echo", "a", " ") })

	r := New(nil, "echo", "a b").AddArguments("", "c").AddArgumentWithValue("--x=", "1")
	assert.Equal(t, []string{"a b", "c", "--x=1"}, r.Arguments())
	assert.Equal(t, `echo 'a b' c --x=1`, r.FullCommandLine())
}

func Test_Echo(t *testing.T) {
	ctx := context.Background()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)

	r := New(log, "sh", "-c", "echo visible; echo problem >&2")
	r.EchoStandardOutput = true
	r.EchoStandardError = true
	require.True(t, r.Run(ctx))

	var stdout, stderr []string
	for _, e := range hook.AllEntries() {
		switch e.Data["stream"] {
		case "stdout":
			assert.Equal(t, logrus.InfoLevel, e.Level)
			stdout = append(stdout, e.Message)
		case "stderr":
			assert.Equal(t, logrus.ErrorLevel, e.Level)
			stderr = append(stderr, e.Message)
		}
	}
	assert.Equal(t, []string{"visible"}, stdout)
	assert.Equal(t, []string{"problem"}, stderr)
}

func Test_WriteStderrLine(t *testing.T) {
	t.Run("Sinks", func(t *testing.T) {
		var errOut syncBuffer
		r := New(quietLogger(), "true")
		r.AddStandardErrorSink(&errOut)
		r.WriteStderrLine("synthetic")
		assert.Equal(t, []string{"synthetic"}, errOut.Lines())
	})

	t.Run("Wrapper", func(t *testing.T) {
		log, hook := test.NewNullLogger()
		r := New(quietLogger(), "true")
		r.StandardErrorEchoWrapper = NewStreamWrapper(log, logrus.ErrorLevel, "stderr")
		r.WriteStderrLine("from stdout")
		require.Len(t, hook.AllEntries(), 1)
		assert.Equal(t, "from stdout", hook.LastEntry().Message)
		assert.Equal(t, "    ", hook.LastEntry().Data["indent"])
	})
}

func Test_StreamWrapper(t *testing.T) {
	log, hook := test.NewNullLogger()
	w := NewStreamWrapper(log, logrus.InfoLevel, "stdout")
	w.Preprocess = func(line string) (string, bool) {
		if strings.HasPrefix(line, "#") {
			return "", false
		}
		return strings.ToUpper(line), true
	}
	io.WriteString(w, "par")
	assert.Empty(t, hook.AllEntries())
	io.WriteString(w, "tial\r\n# skipped\nlast\n")

	var got []string
	for _, e := range hook.AllEntries() {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"PARTIAL", "LAST"}, got)
}

func Test_StdoutString(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "value", StdoutString(ctx, quietLogger(), true, "sh", "-c", "echo 'value  '"))
	assert.Equal(t, "", StdoutString(ctx, quietLogger(), true, "sh", "-c", "echo value; exit 1"))
	assert.True(t, RunCommand(ctx, quietLogger(), "true"))
	assert.False(t, RunCommand(ctx, quietLogger(), "false"))
}
