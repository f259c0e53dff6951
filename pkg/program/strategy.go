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

package program

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/download"
	"github.com/toitlang/tprep/pkg/osinfo"
	"github.com/toitlang/tprep/pkg/runner"
	"github.com/toitlang/tprep/pkg/version"
)

// DefaultInstallTimeout bounds package manager runs. Installing may involve
// compiling (emerge, brew from source), so it is much longer than the
// default process timeout.
const DefaultInstallTimeout = 60 * time.Minute

// Strategy installs and probes programs with one package manager.
// Install and the probes report failure through their result; they never
// panic for a failed installation.
type Strategy interface {
	// Name identifies the package manager, for example "apt".
	Name() string
	// NeedsSudo reports whether installing requires elevated privileges.
	NeedsSudo() bool
	// CheckInstalled reports whether the package is present.
	CheckInstalled(ctx context.Context, p *Program) bool
	// QueryVersion asks the package database for the installed version.
	// It returns "" if the version is unknown.
	QueryVersion(ctx context.Context, p *Program) string
	// Install installs or upgrades the package.
	Install(ctx context.Context, p *Program) bool
}

// AfterDetecter is implemented by strategies that act on the detection
// result, for example to link or pin the package.
type AfterDetecter interface {
	AfterDetect(ctx context.Context, p *Program, installed bool)
}

type reinstaller interface {
	forceReinstall() bool
}

type firstWriterWins interface {
	keepFirstInventoryEntry() bool
}

// Inventory records detected tool versions.
type Inventory interface {
	Add(name string, version string)
	AddIfAbsent(name string, version string)
}

// Environment holds what strategies need from the running session.
type Environment struct {
	Log       logrus.FieldLogger
	Versions  *version.Registry
	Inventory Inventory

	// UseSudo allows running installers through sudo.
	UseSudo bool
	// InstallationAllowed, if set, is consulted before every installation.
	InstallationAllowed func() bool

	// CacheDir receives downloaded installer packages.
	CacheDir         string
	Downloads        *download.Client
	DownloadInterval time.Duration

	// Tools overrides the path of package manager executables.
	Tools map[string]string

	InstallTimeout time.Duration

	euid func() int
}

// ToolPath returns the path of the named tool.
func (e *Environment) ToolPath(name string) string {
	if p, ok := e.Tools[name]; ok && p != "" {
		return p
	}
	return name
}

func (e *Environment) isRoot() bool {
	if e.euid != nil {
		return e.euid() == 0
	}
	return os.Geteuid() == 0
}

// CanElevate reports whether privileged commands can be run.
func (e *Environment) CanElevate() bool {
	return e.isRoot() || e.UseSudo
}

// command creates a runner for tool. Privileged commands go through sudo
// unless the process already runs as root.
func (e *Environment) command(privileged bool, tool string, arguments ...string) *runner.Runner {
	if privileged && !e.isRoot() {
		return runner.New(e.Log, e.ToolPath("sudo"), e.ToolPath(tool)).AddArguments(arguments...)
	}
	return runner.New(e.Log, e.ToolPath(tool)).AddArguments(arguments...)
}

// query returns the trimmed output of a package database query in the C
// locale, or "" if the query failed.
func (e *Environment) query(ctx context.Context, tool string, arguments ...string) string {
	r := e.command(false, tool, arguments...)
	r.Environment = map[string]string{"LC_ALL": "C", "LANG": "C"}
	r.EchoCmdAndArguments = false
	out, err := r.Output(ctx)
	if err != nil {
		e.Log.Debug(err)
		return ""
	}
	return out
}

// succeeds runs a package database query and reports whether it exited
// with status 0.
func (e *Environment) succeeds(ctx context.Context, tool string, arguments ...string) bool {
	r := e.command(false, tool, arguments...)
	r.Environment = map[string]string{"LC_ALL": "C", "LANG": "C"}
	return r.Run(ctx)
}

// install runs an installation command with its output echoed.
func (e *Environment) install(ctx context.Context, privileged bool, tool string, arguments ...string) bool {
	r := e.command(privileged, tool, arguments...)
	r.EchoStandardOutput = true
	r.EchoStandardError = true
	r.Stdin = os.Stdin
	r.ProcessTimeout = e.InstallTimeout
	if r.ProcessTimeout <= 0 {
		r.ProcessTimeout = DefaultInstallTimeout
	}
	if !r.Run(ctx) {
		e.Log.Errorf("%s failed: %s (exit code %d)", r.FullCommandLine(), r.ErrorReason(), r.ExitCode())
		return false
	}
	return true
}

// Spec describes how a program is installed on each kind of system.
type Spec struct {
	// Homebrew.
	Tap        string
	FormulaURL string
	Pin        bool

	// macOS flat packages. If PkgURL is set the program is installed with
	// the system installer instead of Homebrew.
	PkgURL    string
	PkgID     string
	PkgSHA256 string

	// GentooSudo runs emerge through sudo. Defaults to true.
	GentooSudo *bool
}

// NewStrategy returns the strategy for the given system family.
func NewStrategy(family osinfo.Family, spec Spec) (Strategy, error) {
	switch family {
	case osinfo.Debian:
		return &Apt{}, nil
	case osinfo.Fedora:
		return &Dnf{}, nil
	case osinfo.Arch:
		return &Pacman{}, nil
	case osinfo.Gentoo:
		useSudo := true
		if spec.GentooSudo != nil {
			useSudo = *spec.GentooSudo
		}
		return &Emerge{UseSudo: useSudo}, nil
	case osinfo.MacOS:
		if spec.PkgURL != "" {
			if spec.PkgID == "" {
				return nil, fmt.Errorf("package id required for %s", spec.PkgURL)
			}
			return &Pkg{URL: spec.PkgURL, ID: spec.PkgID, SHA256: spec.PkgSHA256}, nil
		}
		return &Brew{Tap: spec.Tap, FormulaURL: spec.FormulaURL, Pin: spec.Pin}, nil
	}
	return nil, fmt.Errorf("no package manager support for %s", family)
}
