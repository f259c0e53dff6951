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

package prep

import (
	"context"

	"github.com/toitlang/tprep/pkg/logging"
	"github.com/toitlang/tprep/pkg/pipeline"
)

const (
	ScenarioStandard     = "standard"
	ScenarioDependencies = "dependencies"
	ScenarioRepositories = "repositories"
)

// Scenarios returns the scenarios of s. "standard" is the default.
func (s *Session) Scenarios() *pipeline.Registry {
	r := pipeline.NewRegistry()

	standard := pipeline.NewScenario(ScenarioStandard,
		"Install dependencies, check out repositories and download artifacts")
	standard.MainSteps = func(sc *pipeline.Scenario) {
		sc.AddStep(s.InstallDependenciesStep())
		sc.AddStep(s.SyncRepositoriesStep())
		sc.AddStep(s.FetchArtifactsStep())
		sc.AddStep(s.VersionHashStep())
	}
	standard.EndSteps = s.endSteps
	r.Register(standard, true)

	deps := pipeline.NewScenario(ScenarioDependencies, "Install the required programs only")
	deps.MainSteps = func(sc *pipeline.Scenario) {
		sc.AddStep(s.InstallDependenciesStep())
	}
	deps.EndSteps = s.endSteps
	r.Register(deps, false)

	repos := pipeline.NewScenario(ScenarioRepositories, "Check out the external repositories only")
	repos.MainSteps = func(sc *pipeline.Scenario) {
		sc.AddStep(s.SyncRepositoriesStep())
	}
	r.Register(repos, false)

	return r
}

func (s *Session) endSteps(sc *pipeline.Scenario) {
	sc.AddStep(s.WriteInventoryStep())
}

// Run runs scenario with the session's logger and tracker.
func (s *Session) Run(ctx context.Context, scenario *pipeline.Scenario) error {
	logging.Banner(s.Log, "Running scenario: "+scenario.Name)
	if err := scenario.Run(ctx, s.Log, s.Track); err != nil {
		return err
	}
	logging.Success(s.Log, "Scenario '%s' completed", scenario.Name)
	return nil
}
