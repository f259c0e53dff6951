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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/tprep/pkg/download"
	"github.com/toitlang/tprep/pkg/osinfo"
	"github.com/toitlang/tprep/pkg/pipeline"
	"github.com/toitlang/tprep/pkg/retry"
	"github.com/toitlang/tprep/pkg/tracking"
)

// fakePacman simulates a package database in dir. Installing a package
// creates a marker file holding its version.
func fakePacman(t *testing.T, installVersion string) (map[string]string, string) {
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls.log")
	pacman := filepath.Join(dir, "pacman")
	script := `#!/bin/sh
echo "pacman $*" >> ` + calls + `
db=` + dir + `
case "$1" in
  -Q) [ -f "$db/$2.installed" ] || exit 1; echo "$2 $(cat "$db/$2.installed")";;
  -S) echo "` + installVersion + `" > "$db/$3.installed";;
esac
`
	require.NoError(t, os.WriteFile(pacman, []byte(script), 0755))
	sudo := filepath.Join(dir, "sudo")
	require.NoError(t, os.WriteFile(sudo, []byte("#!/bin/sh\nexec \"$@\"\n"), 0755))
	return map[string]string{"pacman": pacman, "sudo": sudo}, dir
}

func markInstalled(t *testing.T, db string, name string, v string) {
	require.NoError(t, os.WriteFile(filepath.Join(db, name+".installed"), []byte(v+"\n"), 0644))
}

func Test_InstallDependencies(t *testing.T) {
	ctx := context.Background()
	manifest := func() *Manifest {
		return &Manifest{Programs: map[string][]ProgramSpec{
			"arch": {
				{Name: "present", MinVersion: "1.0"},
				{Name: "absent"},
			},
		}}
	}

	t.Run("ReportsMissingWithoutAutoProvision", func(t *testing.T) {
		tools, db := fakePacman(t, "1.0-1")
		markInstalled(t, db, "present", "1.5-2")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		err := s.installDependencies(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absent")
		assert.NotContains(t, err.Error(), "present")
		v, ok := s.Inventory.Get("present")
		assert.True(t, ok)
		assert.Equal(t, "1.5", v)
	})

	t.Run("InstallsMissing", func(t *testing.T) {
		tools, db := fakePacman(t, "2.0-1")
		markInstalled(t, db, "present", "1.5-2")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		s.AutoProvision = true
		s.AutoProvisionUsesSudo = true
		require.NoError(t, s.installDependencies(ctx))
		v, ok := s.Inventory.Get("absent")
		assert.True(t, ok)
		assert.Equal(t, "2.0", v)
	})

	t.Run("WrongVersionIsReinstalled", func(t *testing.T) {
		tools, db := fakePacman(t, "1.2-1")
		markInstalled(t, db, "present", "0.9-1")
		markInstalled(t, db, "absent", "1.0-1")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		s.AutoProvision = true
		s.AutoProvisionUsesSudo = true
		require.NoError(t, s.installDependencies(ctx))
		v, _ := s.Inventory.Get("present")
		assert.Equal(t, "1.2", v)
	})

	t.Run("IgnoreMinimumVersion", func(t *testing.T) {
		tools, db := fakePacman(t, "1.0-1")
		markInstalled(t, db, "present", "0.9-1")
		markInstalled(t, db, "absent", "1.0-1")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		s.IgnoreMinimumVersion = true
		require.NoError(t, s.installDependencies(ctx))
	})

	t.Run("InstallationNotAllowed", func(t *testing.T) {
		tools, db := fakePacman(t, "1.0-1")
		markInstalled(t, db, "present", "1.5-2")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		s.AutoProvision = true
		s.AutoProvisionUsesSudo = true
		s.SetCondition(AllowProgramInstallation, false)
		err := s.installDependencies(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to install: absent")
	})

	t.Run("StillWrongAfterInstall", func(t *testing.T) {
		tools, db := fakePacman(t, "0.5-1")
		markInstalled(t, db, "present", "0.9-1")
		markInstalled(t, db, "absent", "1.0-1")
		s := newTestSession(t, osinfo.Arch, manifest(), WithTools(tools))
		s.AutoProvision = true
		s.AutoProvisionUsesSudo = true
		err := s.installDependencies(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "present")
	})

	t.Run("ManifestVersionParser", func(t *testing.T) {
		tools, db := fakePacman(t, "1.0-1")
		markInstalled(t, db, "tool", "0.1-1")
		executable := filepath.Join(t.TempDir(), "tool-bin")
		require.NoError(t, os.WriteFile(executable, []byte("#!/bin/sh\necho banner\necho tool release 3.4.5\n"), 0755))
		m := &Manifest{Programs: map[string][]ProgramSpec{
			"arch": {{
				Name:       "tool",
				Executable: executable,
				MinVersion: "3.0",
				VersionParser: &VersionParserSpec{
					Pattern: `release (?P<Version>[\d.]+)`,
					Line:    2,
				},
			}},
		}}
		s := newTestSession(t, osinfo.Arch, m, WithTools(tools))
		require.NoError(t, s.installDependencies(ctx))
		v, _ := s.Inventory.Get("tool")
		assert.Equal(t, "3.4.5", v)
	})

	t.Run("NoPrograms", func(t *testing.T) {
		s := newTestSession(t, osinfo.Debian, manifest())
		require.NoError(t, s.installDependencies(ctx))
	})

	t.Run("UnsupportedFamily", func(t *testing.T) {
		m := &Manifest{Programs: map[string][]ProgramSpec{"windows": {{Name: "x"}}}}
		s := newTestSession(t, osinfo.Windows, m)
		assert.Error(t, s.installDependencies(ctx))
	})
}

func testDownloads(s *Session) {
	s.Downloads.Retry = retry.Policy{Attempts: 2, InitialDelay: time.Millisecond}
	s.Retry = retry.Policy{Attempts: 2, InitialDelay: time.Millisecond}
}

func Test_FetchArtifacts(t *testing.T) {
	ctx := context.Background()
	payload := []byte(strings.Repeat("artifact", 1000))
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sdk.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(payload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	t.Run("DownloadsOnce", func(t *testing.T) {
		atomic.StoreInt32(&hits, 0)
		s := newTestSession(t, osinfo.Debian, &Manifest{Artifacts: []ArtifactSpec{
			{URL: server.URL + "/sdk.tar.gz", File: "sdk/sdk.tar.gz", SHA256: checksum},
			{URL: server.URL + "/sdk.tar.gz"},
		}})
		testDownloads(s)
		require.NoError(t, s.fetchArtifacts(ctx))

		content, err := os.ReadFile(filepath.Join(s.CacheDir(), "sdk", "sdk.tar.gz"))
		require.NoError(t, err)
		assert.Equal(t, payload, content)

		derived := s.artifactPath(ArtifactSpec{URL: server.URL + "/sdk.tar.gz"})
		assert.True(t, strings.HasPrefix(derived, filepath.Join(s.CacheDir(), "artifacts")))
		assert.NotContains(t, filepath.Base(filepath.Dir(derived)), ":")
		_, err = os.Stat(derived)
		require.NoError(t, err)

		fetched := atomic.LoadInt32(&hits)
		require.NoError(t, s.fetchArtifacts(ctx))
		assert.Equal(t, fetched, atomic.LoadInt32(&hits), "cached artifacts are not downloaded again")
	})

	t.Run("ChecksumChangeRedownloads", func(t *testing.T) {
		s := newTestSession(t, osinfo.Debian, &Manifest{Artifacts: []ArtifactSpec{
			{URL: server.URL + "/sdk.tar.gz", File: "sdk.tar.gz", SHA256: checksum},
		}})
		testDownloads(s)
		target := filepath.Join(s.CacheDir(), "sdk.tar.gz")
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
		require.NoError(t, os.WriteFile(target, []byte("stale"), 0644))
		require.NoError(t, s.fetchArtifacts(ctx))
		content, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, payload, content)
	})

	t.Run("FailureCleansCache", func(t *testing.T) {
		s := newTestSession(t, osinfo.Debian, &Manifest{
			Artifacts: []ArtifactSpec{{URL: server.URL + "/missing.tar.gz", File: "missing.tar.gz"}},
			Clean:     []string{"*.tmp"},
		})
		testDownloads(s)
		cache := s.CacheDir()
		require.NoError(t, os.MkdirAll(filepath.Join(cache, "sub"), 0755))
		for _, f := range []string{"old.tmp", "sub/x.part", "keep.tar.gz", "sub/keep.tmp"} {
			require.NoError(t, os.WriteFile(filepath.Join(cache, filepath.FromSlash(f)), nil, 0644))
		}

		step := s.FetchArtifactsStep()
		err := step.Run(ctx, s.Log)
		var se *pipeline.StepError
		require.True(t, errors.As(err, &se))
		assert.True(t, errors.Is(err, download.ErrNotFound))
		require.NotNil(t, se.FailedStep)
		assert.Equal(t, "Download artifacts again", se.FailedStep.Description())
		assert.True(t, step.ExecutedFailureSteps)

		exists := func(f string) bool {
			_, err := os.Stat(filepath.Join(cache, filepath.FromSlash(f)))
			return err == nil
		}
		assert.False(t, exists("old.tmp"))
		assert.False(t, exists("sub/x.part"))
		assert.True(t, exists("keep.tar.gz"))
		assert.True(t, exists("sub/keep.tmp"))
	})

	t.Run("NoArtifacts", func(t *testing.T) {
		s := newTestSession(t, osinfo.Debian, nil)
		require.NoError(t, s.fetchArtifacts(ctx))
		require.NoError(t, s.cleanDownloadCache(ctx))
	})
}

func Test_SyncRepositories(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src")
	repository, err := gogit.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("hello"), 0644))
	wt, err := repository.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README")
	require.NoError(t, err)
	hash, err := wt.Commit("Initial", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "Test Committer",
			Email: "not_used@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	s := newTestSession(t, osinfo.Debian, &Manifest{Repositories: []RepositorySpec{
		{Name: "hello", URL: src, Dir: "external/hello"},
	}})
	require.NoError(t, s.syncRepositories(ctx))
	assert.Equal(t, hash.String(), s.Properties.GetValue("hello.commit"))
	content, err := os.ReadFile(filepath.Join(s.RootDir(), "external", "hello", "README"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// A second sync pulls the existing checkout.
	require.NoError(t, s.syncRepositories(ctx))
	assert.Equal(t, hash.String(), s.Properties.GetValue("hello.commit"))

	bad := newTestSession(t, osinfo.Debian, &Manifest{Repositories: []RepositorySpec{
		{URL: filepath.Join(t.TempDir(), "nothing"), Dir: "external/nothing"},
	}})
	err = bad.syncRepositories(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository nothing")
}

func Test_Scenarios(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, osinfo.Debian, nil)
	r := s.Scenarios()

	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, ScenarioStandard, def.Name)

	var names []string
	for _, sc := range r.Scenarios() {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{ScenarioDependencies, ScenarioRepositories, ScenarioStandard}, names)

	standard, err := r.Get("Standard")
	require.NoError(t, err)
	standard.Init()
	var steps []string
	for _, step := range standard.Steps() {
		steps = append(steps, step.Description())
	}
	assert.Equal(t, []string{
		"Install program dependencies",
		"Synchronize external repositories",
		"Download artifacts",
		"Generate version hash",
		"Write build tools inventory",
	}, steps)

	t.Run("RunDependencies", func(t *testing.T) {
		var events []*tracking.Event
		s.Track = func(ctx context.Context, e *tracking.Event) error {
			events = append(events, e)
			return nil
		}
		s.Inventory.Add("cmake", "3.27.1")
		deps, err := r.Get(ScenarioDependencies)
		require.NoError(t, err)
		require.NoError(t, s.Run(ctx, deps))

		content, err := os.ReadFile(s.InventoryPath())
		require.NoError(t, err)
		assert.Equal(t, "BuildToolName,BuildToolVersion\ncmake,3.27.1\n", string(content))

		require.Len(t, events, 3)
		assert.Equal(t, "tprep scenario", events[2].Name)
		assert.Equal(t, ScenarioDependencies, events[2].Properties["scenario"])
	})
}
