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
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type lineBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lineBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lineBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// Output runs r and returns its standard output with trailing whitespace
// removed. Standard error is echoed unless the caller configured otherwise.
func (r *Runner) Output(ctx context.Context) (string, error) {
	var out lineBuffer
	r.AddStandardOutputSink(&out)
	if !r.Run(ctx) {
		return "", fmt.Errorf("%s failed: %s (exit code %d)", r.FullCommandLine(), r.errorReason, r.exitCode)
	}
	return strings.TrimRight(out.String(), " \t\r\n"), nil
}

// StdoutString runs command and returns its trimmed standard output, or ""
// if the command failed. Failures are logged as errors, or at debug level
// when quiet is set.
func StdoutString(ctx context.Context, log logrus.FieldLogger, quiet bool, command string, arguments ...string) string {
	r := New(log, command).AddArguments(arguments...)
	if quiet {
		r.EchoStandardError = false
		r.EchoCmdAndArguments = false
	} else {
		r.EchoStandardError = true
	}
	out, err := r.Output(ctx)
	if err != nil {
		if quiet {
			r.log.Debug(err)
		} else {
			r.log.Error(err)
		}
		return ""
	}
	return out
}

// RunCommand runs command with stderr echoed and reports whether it
// succeeded.
func RunCommand(ctx context.Context, log logrus.FieldLogger, command string, arguments ...string) bool {
	r := New(log, command).AddArguments(arguments...)
	r.EchoStandardError = true
	return r.Run(ctx)
}
