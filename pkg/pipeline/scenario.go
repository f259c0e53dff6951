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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/tracking"
)

// ErrUnknownScenario is returned by Registry.Get for names that are not
// registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a named ordered sequence of steps.
//
// The steps are added once, by Init, through three hooks that run in order:
// StartSteps, MainSteps and EndSteps.
type Scenario struct {
	Name        string
	Description string

	StartSteps func(s *Scenario)
	MainSteps  func(s *Scenario)
	EndSteps   func(s *Scenario)

	steps       []*Step
	initialized bool
}

// NewScenario creates an empty scenario.
func NewScenario(name string, description string) *Scenario {
	if strings.TrimSpace(name) == "" {
		panic("pipeline: scenario name must not be empty")
	}
	return &Scenario{
		Name:        name,
		Description: description,
	}
}

// AddStep appends step.
func (s *Scenario) AddStep(step *Step) *Scenario {
	if step == nil {
		panic("pipeline: step must not be nil")
	}
	s.steps = append(s.steps, step)
	return s
}

// Steps returns the steps in execution order.
func (s *Scenario) Steps() []*Step { return append([]*Step(nil), s.steps...) }

// Init populates the steps. Calling it again has no effect.
func (s *Scenario) Init() {
	if s.initialized {
		return
	}
	s.initialized = true
	for _, hook := range []func(*Scenario){s.StartSteps, s.MainSteps, s.EndSteps} {
		if hook != nil {
			hook(s)
		}
	}
}

// Run initializes the scenario and runs its steps in order. The first step
// that fails (after its failure steps, if any) aborts the run; its
// *StepError is returned.
// A completion event is sent to track after every step and at the end.
func (s *Scenario) Run(ctx context.Context, log logrus.FieldLogger, track tracking.Track) error {
	if track == nil {
		track = tracking.Nop
	}
	s.Init()

	start := time.Now()
	for i, step := range s.steps {
		log.Infof("Step %d/%d: %s", i+1, len(s.steps), step.description)
		err := step.Run(ctx, log)
		s.trackStep(ctx, log, track, step)
		if err != nil {
			s.trackScenario(ctx, log, track, false, time.Since(start))
			return err
		}
		if step.State() == Recovered {
			log.Infof("Step '%s' recovered", step.description)
		}
	}
	s.trackScenario(ctx, log, track, true, time.Since(start))
	return nil
}

func (s *Scenario) trackStep(ctx context.Context, log logrus.FieldLogger, track tracking.Track, step *Step) {
	props := map[string]string{
		"scenario": s.Name,
		"step":     step.description,
		"state":    step.state.String(),
	}
	if step.FailedStep != nil {
		props["failed_step"] = step.FailedStep.description
	}
	if err := track(ctx, &tracking.Event{Name: "tprep step", Properties: props}); err != nil {
		log.WithError(err).Debug("Tracking failed")
	}
}

func (s *Scenario) trackScenario(ctx context.Context, log logrus.FieldLogger, track tracking.Track, success bool, elapsed time.Duration) {
	err := track(ctx, &tracking.Event{
		Name: "tprep scenario",
		Properties: map[string]string{
			"scenario": s.Name,
			"success":  strconv.FormatBool(success),
			"duration": elapsed.Round(time.Millisecond).String(),
		},
	})
	if err != nil {
		log.WithError(err).Debug("Tracking failed")
	}
}

// Registry holds the known scenarios. Names are case-insensitive and
// exactly one scenario is the default.
type Registry struct {
	scenarios   map[string]*Scenario
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scenarios: map[string]*Scenario{}}
}

// Register adds s. Registering two scenarios with the same name, or two
// defaults, panics.
func (r *Registry) Register(s *Scenario, isDefault bool) {
	key := strings.ToLower(s.Name)
	if _, ok := r.scenarios[key]; ok {
		panic(fmt.Sprintf("pipeline: duplicate scenario '%s'", s.Name))
	}
	if isDefault {
		if r.defaultName != "" {
			panic(fmt.Sprintf("pipeline: scenarios '%s' and '%s' are both marked as default", r.defaultName, s.Name))
		}
		r.defaultName = key
	}
	r.scenarios[key] = s
}

// Default returns the default scenario.
func (r *Registry) Default() (*Scenario, error) {
	if r.defaultName == "" {
		return nil, fmt.Errorf("no default scenario")
	}
	return r.scenarios[r.defaultName], nil
}

// Get returns the scenario called name, or the default for an empty name.
func (r *Registry) Get(name string) (*Scenario, error) {
	if strings.TrimSpace(name) == "" {
		return r.Default()
	}
	s, ok := r.scenarios[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownScenario, name)
	}
	return s, nil
}

// IsDefault reports whether s is the default scenario.
func (r *Registry) IsDefault(s *Scenario) bool {
	return r.defaultName != "" && r.scenarios[r.defaultName] == s
}

// Scenarios returns all scenarios sorted by name.
func (r *Registry) Scenarios() []*Scenario {
	var result []*Scenario
	for _, s := range r.scenarios {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result
}
