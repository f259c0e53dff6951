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

// Package runner spawns and supervises external processes.
//
// A Runner captures the standard streams of a single process invocation,
// fans each line out to any number of sinks, enforces a timeout on the process
// and on the draining of its streams, and classifies the outcome in an
// ErrorReason.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"
)

// ErrorReason classifies the outcome of Run.
type ErrorReason int

const (
	NotExecutedYet ErrorReason = iota
	NoError
	CommandNotFound
	ExecutionTimedOut
	ExitCodeNotZero
)

func (r ErrorReason) String() string {
	switch r {
	case NotExecutedYet:
		return "NotExecutedYet"
	case NoError:
		return "NoError"
	case CommandNotFound:
		return "CommandNotFound"
	case ExecutionTimedOut:
		return "ExecutionTimedOut"
	case ExitCodeNotZero:
		return "ExitCodeNotZero"
	}
	return fmt.Sprintf("ErrorReason(%d)", int(r))
}

const (
	// DefaultProcessTimeout bounds the run time of a process.
	DefaultProcessTimeout = 5 * time.Minute
	// DefaultOutputTimeout bounds the wait for a stream to be drained once
	// the process has exited.
	DefaultOutputTimeout = 10 * time.Second

	stdoutName = "stdout"
	stderrName = "stderr"
)

// writerGuard serializes writes to one sink.
// Each sink has its own lock, so that a slow sink only delays the
// writers of that sink.
type writerGuard struct {
	mu     sync.Mutex
	writer io.Writer
}

func (g *writerGuard) writeLine(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	io.WriteString(g.writer, line+"\n")
}

// Runner runs one external command. A Runner must only be run once.
type Runner struct {
	command   string
	arguments []string

	stdoutSinks []*writerGuard
	stderrSinks []*writerGuard
	guards      map[io.Writer]*writerGuard

	defaultStdoutEchoAdded bool
	defaultStderrEcho      *StreamWrapper

	log logrus.FieldLogger

	// Environment is merged into the environment of the current process.
	Environment map[string]string
	// WorkingDirectory, if not empty, is the directory of the process.
	WorkingDirectory string
	// Stdin, if set, is connected to the standard input of the process.
	// Interactive tools (sudo, package managers) get os.Stdin.
	Stdin io.Reader

	ProcessTimeout        time.Duration
	StandardOutputTimeout time.Duration
	StandardErrorTimeout  time.Duration

	// EchoCmdAndArguments logs the command line at debug level before running.
	EchoCmdAndArguments bool

	// EchoStandardOutput sends stdout to the logger at EchoStandardOutputLevel,
	// or to StandardOutputEchoWrapper if set.
	EchoStandardOutput        bool
	EchoStandardOutputLevel   logrus.Level
	StandardOutputEchoWrapper *StreamWrapper

	// EchoStandardError sends stderr to the logger at EchoStandardErrorLevel,
	// or to StandardErrorEchoWrapper if set.
	EchoStandardError        bool
	EchoStandardErrorLevel   logrus.Level
	StandardErrorEchoWrapper *StreamWrapper

	// DoNotKillOnTimeout abandons a timed out process instead of killing it.
	// The caller is responsible for the process (and its children) afterwards.
	DoNotKillOnTimeout bool

	started     bool
	exitCode    int
	errorReason ErrorReason
	timedOut    bool
	processID   int
}

// New creates a runner for command.
// Empty arguments are a programmer error and cause a panic; use AddArguments
// to skip empty ones.
func New(log logrus.FieldLogger, command string, arguments ...string) *Runner {
	if command == "" {
		panic("runner: command must not be empty")
	}
	if log == nil {
		log = discardLogger()
	}
	r := &Runner{
		command:                 command,
		log:                     log,
		ProcessTimeout:          DefaultProcessTimeout,
		StandardOutputTimeout:   DefaultOutputTimeout,
		StandardErrorTimeout:    DefaultOutputTimeout,
		EchoCmdAndArguments:     true,
		EchoStandardOutputLevel: logrus.InfoLevel,
		EchoStandardErrorLevel:  logrus.ErrorLevel,
		exitCode:                -1,
		processID:               -1,
	}
	for i, a := range arguments {
		if strings.TrimSpace(a) == "" {
			panic(fmt.Sprintf("runner: argument %d is empty", i))
		}
		r.arguments = append(r.arguments, a)
	}
	return r
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// AddArguments appends the non-empty arguments.
func (r *Runner) AddArguments(arguments ...string) *Runner {
	for _, a := range arguments {
		if strings.TrimSpace(a) == "" {
			continue
		}
		r.arguments = append(r.arguments, a)
	}
	return r
}

// AddArgumentWithValue appends a single argument of the form argument+value,
// for example "--files=" and "a,b".
func (r *Runner) AddArgumentWithValue(argument string, value string) *Runner {
	if argument == "" || value == "" {
		panic("runner: argument and value must not be empty")
	}
	r.arguments = append(r.arguments, argument+value)
	return r
}

// Command returns the program that is executed.
func (r *Runner) Command() string { return r.command }

// Arguments returns a copy of the arguments.
func (r *Runner) Arguments() []string { return append([]string(nil), r.arguments...) }

// FullCommandLine returns the command line, shell-quoted for display.
func (r *Runner) FullCommandLine() string {
	return shellescape.QuoteCommand(append([]string{r.command}, r.arguments...))
}

// ExitCode is -1 until the process has exited.
func (r *Runner) ExitCode() int { return r.exitCode }

// ErrorReason is the classified result of Run.
func (r *Runner) ErrorReason() ErrorReason { return r.errorReason }

// TimedOut reports whether the process exceeded ProcessTimeout.
func (r *Runner) TimedOut() bool { return r.timedOut }

// ProcessID is the pid of the started process, or -1.
// It stays valid after the process has exited, although the id may have
// been reused by then.
func (r *Runner) ProcessID() int { return r.processID }

func (r *Runner) guard(w io.Writer) *writerGuard {
	if r.guards == nil {
		r.guards = map[io.Writer]*writerGuard{}
	}
	if g, ok := r.guards[w]; ok {
		return g
	}
	g := &writerGuard{writer: w}
	r.guards[w] = g
	return g
}

// AddStandardOutputSink registers a sink that receives every stdout line.
// Registering the same writer for both streams shares one lock.
func (r *Runner) AddStandardOutputSink(w io.Writer) *Runner {
	if w == nil {
		panic("runner: nil sink")
	}
	r.stdoutSinks = append(r.stdoutSinks, r.guard(w))
	return r
}

// AddStandardErrorSink registers a sink that receives every stderr line.
func (r *Runner) AddStandardErrorSink(w io.Writer) *Runner {
	if w == nil {
		panic("runner: nil sink")
	}
	r.stderrSinks = append(r.stderrSinks, r.guard(w))
	return r
}

// WriteStderrLine injects a line into the stderr path.
// Some programs report errors on stdout; callers use this to present them
// as errors. The line goes to StandardErrorEchoWrapper if one is set, and to
// the registered stderr sinks otherwise.
func (r *Runner) WriteStderrLine(line string) {
	if r.StandardErrorEchoWrapper != nil {
		r.StandardErrorEchoWrapper.WriteLine(line)
		return
	}
	writeOutput(line, r.stderrSinks)
}

func writeOutput(line string, sinks []*writerGuard) {
	for _, g := range sinks {
		g.writeLine(line)
	}
}

func (r *Runner) setupEcho() {
	if r.EchoStandardOutput {
		if r.StandardOutputEchoWrapper != nil {
			r.AddStandardOutputSink(r.StandardOutputEchoWrapper)
		} else if !r.defaultStdoutEchoAdded {
			r.AddStandardOutputSink(NewStreamWrapper(r.log, r.EchoStandardOutputLevel, stdoutName))
			r.defaultStdoutEchoAdded = true
		}
	}
	if r.EchoStandardError {
		if r.StandardErrorEchoWrapper != nil {
			r.AddStandardErrorSink(r.StandardErrorEchoWrapper)
		} else if r.defaultStderrEcho == nil {
			r.defaultStderrEcho = NewStreamWrapper(r.log, r.EchoStandardErrorLevel, stderrName)
			r.AddStandardErrorSink(r.defaultStderrEcho)
		}
	}
}

func (r *Runner) environment() []string {
	env := os.Environ()
	if len(r.Environment) == 0 {
		return env
	}
	keys := make([]string, 0, len(r.Environment))
	for k := range r.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.log.Debugf("Setting up environment for %s:", r.command)
	for _, k := range keys {
		r.log.Debugf("  %s = %s", k, r.Environment[k])
		env = append(env, k+"="+r.Environment[k])
	}
	return env
}

// stream drains one redirected standard stream.
type stream struct {
	reader *os.File
	writer *os.File
	done   chan struct{}
}

func newStream(sinks []*writerGuard) (*stream, error) {
	if len(sinks) == 0 {
		return nil, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &stream{
		reader: r,
		writer: w,
		done:   make(chan struct{}),
	}, nil
}

func (s *stream) drain(sinks []*writerGuard) {
	defer close(s.done)
	br := bufio.NewReader(s.reader)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			writeOutput(line, sinks)
		}
		if err != nil {
			return
		}
	}
}

// wait waits until the stream is drained or the timeout expires.
// Returns false on timeout.
func (s *stream) wait(timeout time.Duration) bool {
	defer s.reader.Close()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

func (s *stream) close() {
	if s == nil {
		return
	}
	s.reader.Close()
	s.writer.Close()
}

// Run runs the process and returns whether it exited cleanly with status 0.
//
// Output sinks have received every line of output once Run returns, unless a
// stream could not be drained within its timeout (for example because a
// grandchild process keeps it open).
//
// Cancelling ctx is handled like an expired ProcessTimeout.
func (r *Runner) Run(ctx context.Context) bool {
	if r.started {
		panic("runner: Run called more than once")
	}
	r.started = true
	r.timedOut = false
	r.setupEcho()

	stdout, err := newStream(r.stdoutSinks)
	if err != nil {
		r.log.WithError(err).Errorf("Failed to redirect standard output of %s", r.command)
		r.errorReason = CommandNotFound
		return false
	}
	stderr, err := newStream(r.stderrSinks)
	if err != nil {
		stdout.close()
		r.log.WithError(err).Errorf("Failed to redirect standard error of %s", r.command)
		r.errorReason = CommandNotFound
		return false
	}

	cmd := exec.Command(r.command, r.arguments...)
	cmd.Env = r.environment()
	if r.WorkingDirectory != "" {
		cmd.Dir = r.WorkingDirectory
	}
	cmd.Stdin = r.Stdin
	if stdout != nil {
		cmd.Stdout = stdout.writer
	}
	if stderr != nil {
		cmd.Stderr = stderr.writer
	}

	if r.EchoCmdAndArguments {
		r.log.Debugf("Running: %s", r.FullCommandLine())
	}

	if err := cmd.Start(); err != nil {
		stdout.close()
		stderr.close()
		r.log.Errorf("Process failed to start: %v", err)
		r.errorReason = CommandNotFound
		return false
	}
	r.processID = cmd.Process.Pid

	// The child owns its copies of the write ends now. Closing ours makes
	// the readers see EOF once the child (and its children) are done.
	if stdout != nil {
		stdout.writer.Close()
		go stdout.drain(r.stdoutSinks)
	}
	if stderr != nil {
		stderr.writer.Close()
		go stderr.drain(r.stderrSinks)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(r.processTimeout())
	defer timer.Stop()

	exited := false
	select {
	case <-waitCh:
		exited = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if !exited {
		r.log.Errorf("Process '%s' timed out after %v", r.FullCommandLine(), r.processTimeout())
		r.errorReason = ExecutionTimedOut
		r.timedOut = true
		if r.DoNotKillOnTimeout {
			r.log.Warnf("Process '%s' timed out but is not killed. The caller must handle the situation", r.FullCommandLine())
			return false
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.log.WithError(err).Debugf("Failed to kill %s", r.command)
		}
		r.log.Debug("Waiting for the process to exit")
		<-waitCh
	}

	if stderr != nil && !stderr.wait(r.outputTimeout(r.StandardErrorTimeout)) {
		r.log.Debugf("Timed out waiting for standard error of %s", r.command)
	}
	if stdout != nil && !stdout.wait(r.outputTimeout(r.StandardOutputTimeout)) {
		r.log.Debugf("Timed out waiting for standard output of %s", r.command)
	}

	if cmd.ProcessState != nil {
		r.exitCode = cmd.ProcessState.ExitCode()
	}
	if !exited {
		return false
	}
	if r.exitCode != 0 {
		if r.errorReason == NotExecutedYet {
			r.errorReason = ExitCodeNotZero
		}
		return false
	}
	r.errorReason = NoError
	return true
}

func (r *Runner) processTimeout() time.Duration {
	if r.ProcessTimeout <= 0 {
		return DefaultProcessTimeout
	}
	return r.ProcessTimeout
}

func (r *Runner) outputTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultOutputTimeout
	}
	return d
}
