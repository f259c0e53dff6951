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

// Package pipeline runs ordered steps with failure recovery.
//
// A Step has one action and an optional chain of failure steps that run, in
// order, only when the action fails. A Scenario runs its steps strictly in
// declaration order and aborts at the first step that fails and cannot be
// recovered.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// State is the execution state of a step.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	// RunningFailureChain means the action failed and the failure steps are
	// running.
	RunningFailureChain
	// Recovered means the action failed but every failure step succeeded.
	Recovered
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case RunningFailureChain:
		return "running failure steps"
	case Recovered:
		return "recovered"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action is the work of a step.
type Action func(ctx context.Context) error

// Step is one unit of pipeline work.
type Step struct {
	description  string
	action       Action
	failureSteps []*Step

	state State
	err   error

	// FailedStep is the failure step that failed, if any.
	FailedStep *Step
	// ExecutedFailureSteps is set once the failure chain has been started.
	ExecutedFailureSteps bool
}

// NewStep creates a step. A description and an action are required.
func NewStep(description string, action Action) *Step {
	if strings.TrimSpace(description) == "" {
		panic("pipeline: step description must not be empty")
	}
	if action == nil {
		panic("pipeline: step action must not be nil")
	}
	return &Step{
		description: description,
		action:      action,
	}
}

// Description is the human readable name of the step.
func (s *Step) Description() string { return s.description }

// State returns the execution state.
func (s *Step) State() State { return s.state }

// Err returns the error of the action, if it failed. It is kept even if
// the failure chain recovered from it.
func (s *Step) Err() error { return s.err }

// FailureSteps returns the registered failure steps.
func (s *Step) FailureSteps() []*Step { return append([]*Step(nil), s.failureSteps...) }

// AddFailureStep appends a step to the failure chain.
func (s *Step) AddFailureStep(f *Step) *Step {
	if f == nil {
		panic("pipeline: failure step must not be nil")
	}
	s.failureSteps = append(s.failureSteps, f)
	return s
}

// Run executes the action and, if it fails, the failure chain.
// It returns nil if the action succeeded or every failure step succeeded.
// Otherwise the returned error is a *StepError.
func (s *Step) Run(ctx context.Context, log logrus.FieldLogger) error {
	s.state = Running
	s.FailedStep = nil
	s.ExecutedFailureSteps = false

	log.Debugf("Running step: %s", s.description)
	s.err = s.action(ctx)
	if s.err == nil {
		s.state = Succeeded
		return nil
	}

	if len(s.failureSteps) == 0 {
		s.state = Failed
		return &StepError{Step: s, Err: s.err}
	}

	log.WithError(s.err).Warnf("Step '%s' failed, running its failure steps", s.description)
	s.state = RunningFailureChain
	s.ExecutedFailureSteps = true
	for _, f := range s.failureSteps {
		if ferr := f.Run(ctx, log); ferr != nil {
			s.FailedStep = f
			s.state = Failed
			return &StepError{Step: s, FailedStep: f, Err: s.err, RecoveryErr: ferr}
		}
	}
	s.state = Recovered
	return nil
}

// StepError is returned when a step fails and cannot be recovered.
type StepError struct {
	Step *Step
	// FailedStep is the failure step that failed, or nil if the step had no
	// failure steps.
	FailedStep *Step
	// Err is the error of the step's action.
	Err error
	// RecoveryErr is the error of FailedStep.
	RecoveryErr error
}

func (e *StepError) Error() string {
	if e.FailedStep == nil {
		return fmt.Sprintf("step '%s' failed: %v", e.Step.description, e.Err)
	}
	return fmt.Sprintf("step '%s' failed: %v; failure step '%s' failed: %v",
		e.Step.description, e.Err, e.FailedStep.description, e.RecoveryErr)
}

func (e *StepError) Unwrap() error { return e.Err }
