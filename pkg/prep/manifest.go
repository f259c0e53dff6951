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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/toitlang/tprep/pkg/osinfo"
	"github.com/toitlang/tprep/pkg/program"
	"github.com/toitlang/tprep/pkg/version"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v2"
)

// ManifestFileName is the default name of the dependency manifest.
const ManifestFileName = "tprep.yaml"

// Manifest lists what a build needs: programs per operating system
// family, downloaded artifacts and external repositories.
type Manifest struct {
	// Programs is keyed by family name ("debian", "macos", ...).
	Programs     map[string][]ProgramSpec `yaml:"programs,omitempty"`
	Artifacts    []ArtifactSpec           `yaml:"artifacts,omitempty"`
	Repositories []RepositorySpec         `yaml:"repositories,omitempty"`
	// Clean are globs, relative to the cache directory, of files that are
	// removed when fetching artifacts fails.
	Clean []string `yaml:"clean,omitempty"`
	// VersionHashFiles are globs, relative to the root directory, of the
	// files that make up the version hash.
	VersionHashFiles []string `yaml:"version_hash_files,omitempty"`
}

// ProgramSpec describes one program dependency.
type ProgramSpec struct {
	Name       string `yaml:"name"`
	Executable string `yaml:"executable,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"`
	MaxVersion string `yaml:"max_version,omitempty"`

	VersionParser *VersionParserSpec `yaml:"version_parser,omitempty"`

	Tap        string `yaml:"tap,omitempty"`
	FormulaURL string `yaml:"formula_url,omitempty"`
	Pin        bool   `yaml:"pin,omitempty"`

	PkgURL    string `yaml:"pkg_url,omitempty"`
	PkgID     string `yaml:"pkg_id,omitempty"`
	PkgSHA256 string `yaml:"pkg_sha256,omitempty"`

	GentooSudo *bool `yaml:"gentoo_sudo,omitempty"`
}

// VersionParserSpec configures a regex version parser for the executable
// of a program.
type VersionParserSpec struct {
	Pattern   string   `yaml:"pattern"`
	Arguments []string `yaml:"args,omitempty"`
	Line      int      `yaml:"line,omitempty"`
}

// ArtifactSpec is a file downloaded into the cache directory.
type ArtifactSpec struct {
	URL string `yaml:"url"`
	// File is relative to the cache directory. If empty, the path is
	// derived from the URL.
	File   string `yaml:"file,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// RepositorySpec is a git repository checked out below the root directory.
type RepositorySpec struct {
	Name   string `yaml:"name,omitempty"`
	URL    string `yaml:"url"`
	Dir    string `yaml:"dir"`
	Branch string `yaml:"branch,omitempty"`
	Tag    string `yaml:"tag,omitempty"`
	Hash   string `yaml:"hash,omitempty"`
	Depth  int    `yaml:"depth,omitempty"`
}

// DisplayName is the name of the repository, defaulting to the last
// element of its directory.
func (r RepositorySpec) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(filepath.FromSlash(r.Dir))
}

// ReadManifest reads and validates the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, status.Errorf(codes.NotFound, "manifest '%s' not found", path)
	} else if err != nil {
		return nil, err
	}
	return ParseManifest(b)
}

// ParseManifest parses and validates a YAML manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.UnmarshalStrict(b, m); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid manifest: %v", err)
	}
	if err := m.validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid manifest: %v", err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	for family, programs := range m.Programs {
		if _, err := osinfo.ParseFamily(family); err != nil {
			return err
		}
		for i, p := range programs {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("%s program %d has no name", family, i)
			}
			if p.VersionParser != nil {
				re, err := regexp.Compile(p.VersionParser.Pattern)
				if err != nil {
					return fmt.Errorf("version parser of %s: %v", p.Name, err)
				}
				if re.SubexpIndex(version.VersionGroup) < 0 {
					return fmt.Errorf("version parser of %s must have a '%s' group", p.Name, version.VersionGroup)
				}
			}
		}
	}
	for i, a := range m.Artifacts {
		if a.URL == "" {
			return fmt.Errorf("artifact %d has no url", i)
		}
	}
	for i, r := range m.Repositories {
		if r.URL == "" || r.Dir == "" {
			return fmt.Errorf("repository %d needs a url and a dir", i)
		}
	}
	for _, patterns := range [][]string{m.Clean, m.VersionHashFiles} {
		if _, err := compileGlobs(patterns); err != nil {
			return err
		}
	}
	return nil
}

// ProgramsFor returns the programs of family.
func (m *Manifest) ProgramsFor(family osinfo.Family) []ProgramSpec {
	return m.Programs[family.String()]
}

func (p ProgramSpec) strategySpec() program.Spec {
	return program.Spec{
		Tap:        p.Tap,
		FormulaURL: p.FormulaURL,
		Pin:        p.Pin,
		PkgURL:     p.PkgURL,
		PkgID:      p.PkgID,
		PkgSHA256:  p.PkgSHA256,
		GentooSudo: p.GentooSudo,
	}
}

func (p ProgramSpec) versionParser() version.Parser {
	if p.VersionParser == nil {
		return nil
	}
	name := p.Executable
	if name == "" {
		name = p.Name
	}
	return version.NewRegexParser(name, p.VersionParser.Pattern, p.VersionParser.Arguments, p.VersionParser.Line)
}

// compileGlobs compiles slash separated patterns. "**" crosses directory
// boundaries, "*" doesn't.
func compileGlobs(patterns []string) ([]glob.Glob, error) {
	var result []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob '%s': %w", p, err)
		}
		result = append(result, g)
	}
	return result, nil
}
