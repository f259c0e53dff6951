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

// Package prep prepares a machine for building: it installs the programs
// a build needs, checks out external repositories and downloads
// artifacts.
//
// All state of a run lives in a Session that is passed explicitly to the
// steps of a scenario.
package prep

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/download"
	"github.com/toitlang/tprep/pkg/osinfo"
	"github.com/toitlang/tprep/pkg/retry"
	"github.com/toitlang/tprep/pkg/tracking"
	"github.com/toitlang/tprep/pkg/version"
)

// Condition is a named boolean flag of a session.
type Condition string

const (
	// AllowProgramInstallation gates every program installation.
	AllowProgramInstallation Condition = "AllowProgramInstallation"
)

// DefaultHashAlgorithm is used for the version hash unless another
// algorithm is configured.
const DefaultHashAlgorithm = "SHA1"

// Session is the state of one tprep run.
type Session struct {
	Log        logrus.FieldLogger
	OS         *osinfo.Info
	Properties *Properties
	Inventory  *Inventory
	Versions   *version.Registry
	Downloads  *download.Client
	Manifest   *Manifest
	Track      tracking.Track
	Retry      retry.Policy

	// AutoProvision installs missing programs instead of only reporting
	// them.
	AutoProvision bool
	// AutoProvisionUsesSudo allows installers to run through sudo.
	AutoProvisionUsesSudo bool
	IgnoreMinimumVersion  bool
	IgnoreMaximumVersion  bool

	LockTimeout time.Duration

	options *sessionOptions

	mu         sync.Mutex
	conditions map[Condition]bool
}

type sessionOptions struct {
	rootDir       string
	cacheDir      string
	logDir        string
	hashAlgorithm string
	// Paths of package manager executables.
	tools map[string]string
}

// SessionOption defines the optional parameters for NewSession.
type SessionOption interface {
	applySessionOption(*sessionOptions)
}

// WithRootDir sets the directory relative manifest paths are resolved
// against. Defaults to the working directory.
func WithRootDir(dir string) SessionOption {
	return rootDir(dir)
}

type rootDir string

func (d rootDir) applySessionOption(o *sessionOptions) {
	o.rootDir = string(d)
}

// WithCacheDir sets the directory receiving downloads.
func WithCacheDir(dir string) SessionOption {
	return cacheDir(dir)
}

type cacheDir string

func (d cacheDir) applySessionOption(o *sessionOptions) {
	o.cacheDir = string(d)
}

// WithLogDir sets the directory receiving the inventory.
func WithLogDir(dir string) SessionOption {
	return logDir(dir)
}

type logDir string

func (d logDir) applySessionOption(o *sessionOptions) {
	o.logDir = string(d)
}

// WithHashAlgorithm sets the algorithm of the version hash.
func WithHashAlgorithm(name string) SessionOption {
	return hashAlgorithm(name)
}

type hashAlgorithm string

func (h hashAlgorithm) applySessionOption(o *sessionOptions) {
	o.hashAlgorithm = string(h)
}

// WithTools overrides the paths of package manager executables.
func WithTools(tools map[string]string) SessionOption {
	return toolPaths(tools)
}

type toolPaths map[string]string

func (t toolPaths) applySessionOption(o *sessionOptions) {
	if o.tools == nil {
		o.tools = map[string]string{}
	}
	for k, v := range t {
		o.tools[k] = v
	}
}

// NewSession creates a session for the system described by info.
// Program installation is allowed until the AllowProgramInstallation
// condition is cleared.
func NewSession(log logrus.FieldLogger, info *osinfo.Info, manifest *Manifest, options ...SessionOption) *Session {
	if log == nil || info == nil {
		panic("prep: session needs a logger and system information")
	}
	if manifest == nil {
		manifest = &Manifest{}
	}
	o := &sessionOptions{}
	for _, option := range options {
		option.applySessionOption(o)
	}
	if o.rootDir == "" {
		o.rootDir = "."
	}
	if o.cacheDir == "" {
		o.cacheDir = filepath.Join(o.rootDir, ".tprep", "cache")
	}
	if o.logDir == "" {
		o.logDir = filepath.Join(o.rootDir, ".tprep", "logs")
	}

	policy := retry.Default
	policy.Log = log
	s := &Session{
		Log:         log,
		OS:          info,
		Properties:  NewProperties(nil),
		Inventory:   NewInventory(),
		Versions:    version.DefaultRegistry(),
		Downloads:   download.NewClient(log),
		Manifest:    manifest,
		Track:       tracking.Nop,
		Retry:       policy,
		LockTimeout: DefaultLockTimeout,
		options:     o,
		conditions:  map[Condition]bool{},
	}
	s.SetCondition(AllowProgramInstallation, true)
	return s
}

// RootDir is the directory relative manifest paths are resolved against.
func (s *Session) RootDir() string { return s.options.rootDir }

// CacheDir is the directory receiving downloads.
func (s *Session) CacheDir() string { return s.options.cacheDir }

// LogDir is the directory receiving the inventory.
func (s *Session) LogDir() string { return s.options.logDir }

// HashAlgorithm is the algorithm of the version hash.
func (s *Session) HashAlgorithm() string {
	if s.options.hashAlgorithm == "" {
		return DefaultHashAlgorithm
	}
	return s.options.hashAlgorithm
}

// CheckCondition returns the value of the condition. Unknown conditions are
// false.
func (s *Session) CheckCondition(c Condition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conditions[c]
}

// SetCondition sets the value of the condition.
func (s *Session) SetCondition(c Condition, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions[c] = value
}

// path resolves a slash separated manifest path against the root directory.
func (s *Session) path(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.options.rootDir, p)
}
