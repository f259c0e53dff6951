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

package version

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps executable names to the parsers that know how to query
// their version. Results are cached per program path.
type Registry struct {
	mu      sync.Mutex
	parsers map[string]Parser
	cache   map[string]string
}

// NewRegistry creates a registry holding parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{
		parsers: map[string]Parser{},
		cache:   map[string]string{},
	}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry knows the tools the standard scenarios check for.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewRegexParser("git", `git version (?P<Version>\d+\.\d+(\.\d+)?)`, []string{"--version"}, 1),
		NewRegexParser("cmake", `cmake version (?P<Version>\d+\.\d+(\.\d+)?)`, []string{"--version"}, 1),
		NewRegexParser("ninja", `^(?P<Version>\d+\.\d+(\.\d+)?)`, []string{"--version"}, 1),
		NewRegexParser("make", `GNU Make (?P<Version>\d+\.\d+(\.\d+)?)`, []string{"--version"}, 1),
		NewRegexParser("go", `go version go(?P<Version>\d+\.\d+(\.\d+)?)`, []string{"version"}, 1),
		NewRegexParser("curl", `^curl (?P<Version>\d+\.\d+(\.\d+)?)`, []string{"--version"}, 1),
		NewArchiverParser("7z", nil, "7-Zip",
			`^7-Zip(?: \(\w\))? (?P<Version>\d+\.\d+)`,
			`^p7zip Version (?P<Version>\d+\.\d+)`),
	)
}

// Register adds p, replacing any parser for the same program.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.ProgramName()] = p
}

// Lookup returns the parser registered for program.
func (r *Registry) Lookup(program string) (Parser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parsers[program]
	return p, ok
}

// ProgramVersion returns the version of the program at programPath.
// The parser is looked up by programPath first and by its base name next.
// It returns false if no parser is registered or no version was found.
func (r *Registry) ProgramVersion(ctx context.Context, log logrus.FieldLogger, programPath string) (string, bool) {
	if programPath == "" {
		panic("version: program path must not be empty")
	}
	r.mu.Lock()
	v, ok := r.cache[programPath]
	r.mu.Unlock()
	if ok {
		return v, true
	}

	p, ok := r.Lookup(programPath)
	if !ok {
		if base := filepath.Base(programPath); base != programPath {
			p, ok = r.Lookup(base)
		}
	}
	if !ok {
		log.Debugf("No version parser for %s", programPath)
		return "", false
	}

	v = p.Version(ctx, log, programPath)
	log.Debugf("%s version: %s", programPath, v)
	if v == "" {
		return "", false
	}
	r.mu.Lock()
	r.cache[programPath] = v
	r.mu.Unlock()
	return v, true
}

// Forget drops the cached version of the program at programPath.
func (r *Registry) Forget(programPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, programPath)
}
