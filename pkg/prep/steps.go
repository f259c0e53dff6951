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
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/toitlang/tprep/pkg/download"
	"github.com/toitlang/tprep/pkg/fsutil"
	"github.com/toitlang/tprep/pkg/git"
	"github.com/toitlang/tprep/pkg/logging"
	"github.com/toitlang/tprep/pkg/pipeline"
	"github.com/toitlang/tprep/pkg/program"
)

// abbreviatedHashLength is the length of commit and version hashes in
// logs and properties.
const abbreviatedHashLength = 7

func shortHash(h string) string {
	if len(h) > abbreviatedHashLength {
		return h[:abbreviatedHashLength]
	}
	return h
}

func (s *Session) programEnvironment() *program.Environment {
	return &program.Environment{
		Log:       s.Log,
		Versions:  s.Versions,
		Inventory: s.Inventory,
		UseSudo:   s.AutoProvisionUsesSudo,
		InstallationAllowed: func() bool {
			return s.CheckCondition(AllowProgramInstallation)
		},
		CacheDir:         s.CacheDir(),
		Downloads:        s.Downloads,
		DownloadInterval: download.UpdateInterval(),
		Tools:            s.options.tools,
	}
}

// Programs creates the programs the manifest lists for the running
// system.
func (s *Session) Programs() ([]*program.Program, error) {
	specs := s.Manifest.ProgramsFor(s.OS.Family)
	if len(specs) == 0 {
		return nil, nil
	}
	env := s.programEnvironment()
	var result []*program.Program
	for _, spec := range specs {
		strategy, err := program.NewStrategy(s.OS.Family, spec.strategySpec())
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", spec.Name, err)
		}
		if parser := spec.versionParser(); parser != nil {
			s.Versions.Register(parser)
		}
		p := program.New(env, spec.Name, spec.Executable, strategy)
		p.MinimumVersion = spec.MinVersion
		p.MaximumVersion = spec.MaxVersion
		p.IgnoreMinimumVersion = s.IgnoreMinimumVersion
		p.IgnoreMaximumVersion = s.IgnoreMaximumVersion
		result = append(result, p)
	}
	return result, nil
}

// InstallDependenciesStep detects the required programs and, with
// auto-provisioning enabled, installs the missing ones.
func (s *Session) InstallDependenciesStep() *pipeline.Step {
	return pipeline.NewStep("Install program dependencies", s.installDependencies)
}

func (s *Session) installDependencies(ctx context.Context) error {
	programs, err := s.Programs()
	if err != nil {
		return err
	}
	if len(programs) == 0 {
		s.Log.Infof("No programs required on %s", s.OS)
		return nil
	}

	var missing []*program.Program
	for _, p := range programs {
		switch {
		case !p.Detect(ctx):
			s.Log.Warnf("%s is not installed", p.Name())
			missing = append(missing, p)
		case p.InstalledButWrongVersion():
			s.Log.Warnf("%s %s is installed, but a version between '%s' and '%s' is required",
				p.Name(), p.CurrentVersion(), p.MinimumVersion, p.MaximumVersion)
			missing = append(missing, p)
		default:
			s.Log.Infof("%s %s found", p.Name(), p.CurrentVersion())
		}
	}
	if len(missing) == 0 {
		logging.Success(s.Log, "All programs are installed")
		return nil
	}

	names := make([]string, 0, len(missing))
	needsSudo := false
	for _, p := range missing {
		names = append(names, p.Name())
		needsSudo = needsSudo || p.NeedsSudo()
	}

	if !s.AutoProvision {
		s.Log.Errorf("Missing programs: %s", strings.Join(names, ", "))
		hint := "Install them manually or run tprep with --auto-provision"
		if needsSudo && !s.AutoProvisionUsesSudo {
			hint += " --auto-provision-uses-sudo=yes"
		}
		s.Log.Error(hint)
		return fmt.Errorf("missing programs: %s", strings.Join(names, ", "))
	}
	if needsSudo && !s.AutoProvisionUsesSudo {
		s.Log.Warn("Some programs need sudo to be installed; enable it with --auto-provision-uses-sudo=yes")
	}

	var failed []string
	for _, p := range missing {
		if !p.Install(ctx) {
			failed = append(failed, p.Name())
			continue
		}
		if !p.Redetect(ctx) || p.InstalledButWrongVersion() {
			s.Log.Errorf("%s is still missing or has the wrong version after installation", p.Name())
			failed = append(failed, p.Name())
			continue
		}
		logging.Success(s.Log, "Installed %s %s", p.Name(), p.CurrentVersion())
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to install: %s", strings.Join(failed, ", "))
	}
	return nil
}

// SyncRepositoriesStep clones or updates the external repositories.
// The commit of each repository is stored in the "<name>.commit"
// property.
func (s *Session) SyncRepositoriesStep() *pipeline.Step {
	return pipeline.NewStep("Synchronize external repositories", s.syncRepositories)
}

func (s *Session) syncRepositories(ctx context.Context) error {
	for _, r := range s.Manifest.Repositories {
		dir := s.path(r.Dir)
		// The lock lives next to the checkout so that it doesn't interfere
		// with cloning, while different parents can be synced in parallel.
		lockPath := filepath.Join(filepath.Dir(dir), syncLockName)
		var hash string
		err := withFileLock(ctx, lockPath, s.LockTimeout, func() error {
			var err error
			hash, err = git.Sync(ctx, s.Log, dir, git.Options{
				URL:    r.URL,
				Hash:   r.Hash,
				Branch: r.Branch,
				Tag:    r.Tag,
				Depth:  r.Depth,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("repository %s: %w", r.DisplayName(), err)
		}
		s.Log.Infof("%s at commit %s", r.DisplayName(), shortHash(hash))
		s.Properties.Set(r.DisplayName()+".commit", hash)
	}
	return nil
}

// FetchArtifactsStep downloads the artifacts into the cache directory.
// If a download fails, stale files are removed from the cache and the
// downloads are tried once more.
func (s *Session) FetchArtifactsStep() *pipeline.Step {
	return pipeline.NewStep("Download artifacts", s.fetchArtifacts).
		AddFailureStep(s.CleanDownloadCacheStep()).
		AddFailureStep(pipeline.NewStep("Download artifacts again", s.fetchArtifacts))
}

func (s *Session) artifactPath(a ArtifactSpec) string {
	if a.File != "" {
		return filepath.Join(s.CacheDir(), filepath.FromSlash(a.File))
	}
	return filepath.Join(s.CacheDir(), "artifacts", fsutil.ToURIPath(a.URL).FilePath())
}

func (s *Session) fetchArtifacts(ctx context.Context) error {
	if len(s.Manifest.Artifacts) == 0 {
		return nil
	}
	lockPath := filepath.Join(s.CacheDir(), downloadLockName)
	return withFileLock(ctx, lockPath, s.LockTimeout, func() error {
		for _, a := range s.Manifest.Artifacts {
			if err := s.fetchArtifact(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Session) fetchArtifact(ctx context.Context, a ArtifactSpec) error {
	target := s.artifactPath(a)
	name := filepath.Base(target)
	ok, err := download.VerifyFile(target, a.SHA256)
	if err != nil {
		return err
	}
	if ok {
		s.Log.Infof("%s is already downloaded", name)
		return nil
	}

	size, _, err := s.Downloads.Size(ctx, a.URL)
	if errors.Is(err, download.ErrNotFound) {
		return fmt.Errorf("artifact %s: %w", a.URL, err)
	} else if err != nil {
		s.Log.WithError(err).Debugf("Unable to determine the size of %s", a.URL)
		size = 0
	}
	s.Log.Infof("Downloading %s (%s)", a.URL, download.FormatSize(size))
	status := download.NewStatus(size, download.UpdateInterval(), download.ProgressLogger(s.Log, name))
	if err := s.Downloads.Download(ctx, a.URL, target, a.SHA256, status); err != nil {
		return fmt.Errorf("artifact %s: %w", a.URL, err)
	}
	logging.Success(s.Log, "Downloaded %s", name)
	return nil
}

// CleanDownloadCacheStep removes partial downloads and the files matching
// the manifest's clean globs from the cache directory.
func (s *Session) CleanDownloadCacheStep() *pipeline.Step {
	return pipeline.NewStep("Clean download cache", s.cleanDownloadCache)
}

func (s *Session) cleanDownloadCache(ctx context.Context) error {
	cache := s.CacheDir()
	exists, err := fsutil.IsDirectory(cache)
	if err != nil || !exists {
		return err
	}
	globs, err := compileGlobs(append([]string{"**.part"}, s.Manifest.Clean...))
	if err != nil {
		return err
	}

	return withFileLock(ctx, filepath.Join(cache, downloadLockName), s.LockTimeout, func() error {
		var stale []string
		err := filepath.WalkDir(cache, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() == downloadLockName {
				return nil
			}
			rel, err := filepath.Rel(cache, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			for _, g := range globs {
				if g.Match(rel) {
					stale = append(stale, p)
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range stale {
			s.Log.Infof("Removing %s", p)
			if err := fsutil.DeleteFile(ctx, s.Retry, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteInventoryStep writes the inventory of detected build tools into
// the log directory.
func (s *Session) WriteInventoryStep() *pipeline.Step {
	return pipeline.NewStep("Write build tools inventory", s.writeInventory)
}

// InventoryPath is where the inventory is written.
func (s *Session) InventoryPath() string {
	return filepath.Join(s.LogDir(), InventoryFileName)
}

func (s *Session) writeInventory(ctx context.Context) error {
	p := s.InventoryPath()
	if err := s.Inventory.WriteFile(p); err != nil {
		return err
	}
	s.Log.Infof("Build tools inventory written to %s", p)
	return nil
}
