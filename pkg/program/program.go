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

// Package program models the external programs a build depends on: how to
// detect them, how to tell whether their version is acceptable and how to
// install them with the package manager of the running system.
package program

import (
	"context"
	"strings"

	"github.com/toitlang/tprep/pkg/version"
)

type detectState int

const (
	notChecked detectState = iota
	notInstalled
	installed
)

// Program is one installable dependency.
type Program struct {
	name       string
	executable string

	// MinimumVersion and MaximumVersion bound the acceptable versions.
	// Empty means unbounded.
	MinimumVersion string
	MaximumVersion string

	IgnoreMinimumVersion bool
	IgnoreMaximumVersion bool

	strategy Strategy
	env      *Environment

	state          detectState
	currentVersion string
	wrongVersion   bool
}

// New creates a program installed through strategy.
// executable is the name of the binary, if it differs from the package name.
func New(env *Environment, name string, executable string, strategy Strategy) *Program {
	if strings.TrimSpace(name) == "" {
		panic("program: name must not be empty")
	}
	if env == nil || strategy == nil {
		panic("program: environment and strategy are required")
	}
	return &Program{
		name:           name,
		executable:     strings.TrimSpace(executable),
		strategy:       strategy,
		env:            env,
		currentVersion: version.DefaultVersion,
	}
}

// Name is the package name.
func (p *Program) Name() string { return p.name }

// Executable is the binary name, defaulting to the package name.
func (p *Program) Executable() string {
	if p.executable != "" {
		return p.executable
	}
	return p.name
}

// Strategy returns the installer of the program.
func (p *Program) Strategy() Strategy { return p.strategy }

// CurrentVersion is meaningful only once Detect has run.
func (p *Program) CurrentVersion() string { return p.currentVersion }

// InstalledButWrongVersion reports whether Detect found the program with a
// version outside of its bounds.
func (p *Program) InstalledButWrongVersion() bool { return p.wrongVersion }

// NeedsSudo reports whether installing requires elevated privileges.
func (p *Program) NeedsSudo() bool { return p.strategy.NeedsSudo() }

// IsInstalled detects the program, once.
func (p *Program) IsInstalled(ctx context.Context) bool {
	return p.Detect(ctx)
}

// Detect checks whether the program is installed and determines its
// version. The result is memoized; use Redetect to probe again.
func (p *Program) Detect(ctx context.Context) bool {
	if p.state != notChecked {
		return p.state == installed
	}
	log := p.env.Log.WithField("program", p.name)

	if !p.strategy.CheckInstalled(ctx, p) {
		log.Debugf("%s is not installed", p.name)
		p.state = notInstalled
		p.afterDetect(ctx, false)
		return false
	}
	p.state = installed

	v, ok := "", false
	if p.env.Versions != nil {
		v, ok = p.env.Versions.ProgramVersion(ctx, log, p.Executable())
	}
	if !ok || version.IsDefault(v) {
		v = p.strategy.QueryVersion(ctx, p)
	}
	if v == "" {
		log.Warnf("Unable to determine the version of %s", p.name)
		v = version.DefaultVersion
	}
	p.currentVersion = v
	p.wrongVersion = !p.IsValidVersion()
	if r, ok := p.strategy.(reinstaller); ok && r.forceReinstall() {
		p.wrongVersion = true
	}
	p.recordInventory()
	log.Debugf("%s version %s (acceptable: %v)", p.name, p.currentVersion, !p.wrongVersion)

	p.afterDetect(ctx, true)
	return true
}

// Redetect forgets the memoized detection result and detects again.
func (p *Program) Redetect(ctx context.Context) bool {
	p.state = notChecked
	p.currentVersion = version.DefaultVersion
	p.wrongVersion = false
	if p.env.Versions != nil {
		p.env.Versions.Forget(p.Executable())
	}
	return p.Detect(ctx)
}

func (p *Program) afterDetect(ctx context.Context, installed bool) {
	if h, ok := p.strategy.(AfterDetecter); ok {
		h.AfterDetect(ctx, p, installed)
	}
}

func (p *Program) recordInventory() {
	if p.env.Inventory == nil || version.IsDefault(p.currentVersion) {
		return
	}
	if fw, ok := p.strategy.(firstWriterWins); ok && fw.keepFirstInventoryEntry() {
		p.env.Inventory.AddIfAbsent(p.name, p.currentVersion)
		return
	}
	p.env.Inventory.Add(p.name, p.currentVersion)
}

// IsValidVersion checks CurrentVersion against the bounds.
// If the current version cannot be parsed, version checking is disabled and
// the version is considered valid.
func (p *Program) IsValidVersion() bool {
	log := p.env.Log.WithField("program", p.name)
	current, err := version.Parse(p.currentVersion)
	if err != nil {
		log.Warnf("Unable to parse %s version '%s', version checking disabled", p.name, p.currentVersion)
		return true
	}

	if p.MinimumVersion != "" && !p.IgnoreMinimumVersion {
		min, err := version.Parse(p.MinimumVersion)
		if err != nil {
			log.Warnf("Unable to parse minimum %s version '%s'", p.name, p.MinimumVersion)
		} else if current.LessThan(min) {
			log.Debugf("%s version %s is lower than the minimum %s", p.name, p.currentVersion, p.MinimumVersion)
			return false
		}
	}

	if p.MaximumVersion != "" && !p.IgnoreMaximumVersion {
		max, err := version.Parse(p.MaximumVersion)
		if err != nil {
			log.Warnf("Unable to parse maximum %s version '%s'", p.name, p.MaximumVersion)
		} else if current.GreaterThan(max) {
			log.Debugf("%s version %s is higher than the maximum %s", p.name, p.currentVersion, p.MaximumVersion)
			return false
		}
	}
	return true
}

// Install installs or upgrades the program. It returns false, with the
// reason logged, if the installation failed.
// Calling Install for a program that is already satisfied installs it
// again.
func (p *Program) Install(ctx context.Context) bool {
	log := p.env.Log.WithField("program", p.name)
	if p.env.InstallationAllowed != nil && !p.env.InstallationAllowed() {
		log.Errorf("Installation of %s is not allowed", p.name)
		return false
	}
	if p.NeedsSudo() && !p.env.CanElevate() {
		log.Errorf("Installing %s requires sudo, which is not enabled", p.name)
		return false
	}
	log.Infof("Installing %s", p.name)
	if !p.strategy.Install(ctx, p) {
		log.Errorf("Failed to install %s", p.name)
		return false
	}
	return true
}
