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

// Package retry runs flaky operations (network transfers, file moves and
// deletions) in a bounded loop with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultAttempts is the number of times an operation is tried before
	// its last error is returned.
	DefaultAttempts = 5

	// DefaultInitialDelay is the delay after the first failed attempt.
	// Every following delay is twice the previous one.
	DefaultInitialDelay = 30 * time.Second
)

// Policy configures a retry loop.
// The zero value is usable and is equivalent to Default.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration

	// Log receives a debug line for each failed attempt. May be nil.
	Log logrus.FieldLogger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default is the policy used by every network and filesystem helper of tprep.
var Default = Policy{
	Attempts:     DefaultAttempts,
	InitialDelay: DefaultInitialDelay,
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

func (p Policy) initialDelay() time.Duration {
	if p.InitialDelay <= 0 {
		return DefaultInitialDelay
	}
	return p.InitialDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds or the policy's attempts are exhausted.
//
// The error of the last attempt is returned unchanged, so callers see the real
// cause and not a generic "retries exhausted" message.
// No delay follows the last attempt.
func (p Policy) Do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	delay := p.initialDelay()
	attempts := p.attempts()

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		if p.Log != nil {
			p.Log.WithError(err).Debugf("%s attempt no. %d failed, retrying after delay of %v", what, i+1, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			// Cancellation is not a reason to hide the operation's own error.
			return err
		}
		delay *= 2
	}
	return err
}

// Do runs fn with the Default policy.
func Do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	return Default.Do(ctx, what, fn)
}
