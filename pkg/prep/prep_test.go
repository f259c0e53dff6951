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
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/tprep/pkg/osinfo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestSession(t *testing.T, family osinfo.Family, manifest *Manifest, options ...SessionOption) *Session {
	log, _ := test.NewNullLogger()
	root := t.TempDir()
	options = append([]SessionOption{WithRootDir(root)}, options...)
	return NewSession(log, &osinfo.Info{Type: "linux", Family: family, ID: family.String()}, manifest, options...)
}

func diff(expected string, actual string) string {
	d, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  1,
	})
	return d
}

func assertGold(t *testing.T, goldPath string, actual string) {
	if os.Getenv("UPDATE_GOLD") != "" {
		require.NoError(t, os.WriteFile(goldPath, []byte(actual), 0644))
		return
	}
	expected, err := os.ReadFile(goldPath)
	require.NoError(t, err)
	if string(expected) != actual {
		t.Fatalf("output differs from %s:\n%s", goldPath, diff(string(expected), actual))
	}
}

func Test_Properties(t *testing.T) {
	p := NewProperties(map[string]string{"b": "2", "a": "1", "empty": "  "})
	p.Set("c", "3")

	assert.Equal(t, "1", p.GetValue("a"))
	assert.Equal(t, "", p.GetValue("missing"))

	v, err := p.GetRequiredValue("c")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	_, err = p.GetRequiredValue("missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = p.GetRequiredValue("empty")
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Equal(t, []string{"a", "b", "c", "empty"}, p.Keys())
	var buf bytes.Buffer
	require.NoError(t, p.Dump(&buf))
	assert.Equal(t, "a: 1\nb: 2\nc: 3\nempty:   \n", buf.String())

	t.Run("Parse", func(t *testing.T) {
		k, v, err := ParseProperty("Key=a=b")
		require.NoError(t, err)
		assert.Equal(t, "Key", k)
		assert.Equal(t, "a=b", v)

		k, v, err = ParseProperty("Key=")
		require.NoError(t, err)
		assert.Equal(t, "Key", k)
		assert.Equal(t, "", v)

		_, _, err = ParseProperty("novalue")
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		_, _, err = ParseProperty("=x")
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func Test_Inventory(t *testing.T) {
	inv := NewInventory()
	inv.Add("zlib", "1.2")
	inv.Add("git", "2.41")
	inv.Add("git", "2.42")
	inv.AddIfAbsent("cmake", "3.27.1")
	inv.AddIfAbsent("cmake", "9.0")
	inv.Add("Ninja", "1.11")
	inv.Add("", "1.0")
	inv.Add("empty", "")

	v, ok := inv.Get("git")
	assert.True(t, ok)
	assert.Equal(t, "2.42", v)
	_, ok = inv.Get("empty")
	assert.False(t, ok)

	// Ordinal: upper case sorts before lower case.
	assert.Equal(t, []string{"Ninja", "cmake", "git", "zlib"}, inv.Names())

	var buf bytes.Buffer
	require.NoError(t, inv.WriteCSV(&buf))
	assertGold(t, filepath.Join("testdata", "inventory.gold"), buf.String())

	p := filepath.Join(t.TempDir(), "logs", InventoryFileName)
	require.NoError(t, inv.WriteFile(p))
	content, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(content))
}

func Test_Session(t *testing.T) {
	s := newTestSession(t, osinfo.Debian, nil)
	assert.True(t, s.CheckCondition(AllowProgramInstallation))
	assert.False(t, s.CheckCondition("Unknown"))
	s.SetCondition(AllowProgramInstallation, false)
	assert.False(t, s.CheckCondition(AllowProgramInstallation))

	assert.Equal(t, DefaultHashAlgorithm, s.HashAlgorithm())
	assert.Equal(t, filepath.Join(s.RootDir(), ".tprep", "cache"), s.CacheDir())
	assert.Equal(t, filepath.Join(s.RootDir(), ".tprep", "logs", InventoryFileName), s.InventoryPath())
	assert.Equal(t, filepath.Join(s.RootDir(), "external", "x"), s.path("external/x"))
	assert.Equal(t, "/abs", s.path("/abs"))
	assert.NotNil(t, s.Manifest)

	s = newTestSession(t, osinfo.Debian, nil, WithHashAlgorithm("SHA256"), WithCacheDir("/cache"), WithLogDir("/logs"))
	assert.Equal(t, "SHA256", s.HashAlgorithm())
	assert.Equal(t, "/cache", s.CacheDir())
	assert.Equal(t, "/logs", s.LogDir())

	log, _ := test.NewNullLogger()
	assert.Panics(t, func() { NewSession(nil, &osinfo.Info{}, nil) })
	assert.Panics(t, func() { NewSession(log, nil, nil) })
}

func Test_ParseManifest(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		m, err := ParseManifest([]byte(`
programs:
  debian:
    - name: cmake
      min_version: "3.18"
      version_parser:
        pattern: 'cmake version (?P<Version>[\d.]+)'
        args: [--version]
        line: 1
  macos:
    - name: ninja
      tap: example/tools
      pin: true
  gentoo:
    - name: dev-util/cmake
      gentoo_sudo: false
artifacts:
  - url: https://example.com/sdk.tar.gz
    sha256: abcd
repositories:
  - url: github.com/toitlang/toit
    dir: external/toit
    tag: v2.0.0
clean:
  - "**.tmp"
version_hash_files:
  - "src/**.go"
`))
		require.NoError(t, err)
		debian := m.ProgramsFor(osinfo.Debian)
		require.Len(t, debian, 1)
		assert.Equal(t, "3.18", debian[0].MinVersion)
		require.NotNil(t, debian[0].VersionParser)
		assert.Equal(t, []string{"--version"}, debian[0].VersionParser.Arguments)
		assert.Equal(t, "cmake", debian[0].versionParser().ProgramName())

		macos := m.ProgramsFor(osinfo.MacOS)
		require.Len(t, macos, 1)
		assert.Equal(t, "example/tools", macos[0].strategySpec().Tap)
		assert.True(t, macos[0].strategySpec().Pin)
		assert.Nil(t, macos[0].versionParser())

		gentoo := m.ProgramsFor(osinfo.Gentoo)
		require.NotNil(t, gentoo[0].GentooSudo)
		assert.False(t, *gentoo[0].GentooSudo)

		assert.Empty(t, m.ProgramsFor(osinfo.Fedora))
		assert.Equal(t, "toit", m.Repositories[0].DisplayName())
		assert.Equal(t, "abcd", m.Artifacts[0].SHA256)
	})

	t.Run("ShortGroupSyntax", func(t *testing.T) {
		m, err := ParseManifest([]byte("programs:\n  arch:\n    - name: git\n      version_parser:\n        pattern: 'git version (?<Version>[0-9.]+)'\n"))
		require.NoError(t, err)
		assert.NotPanics(t, func() { m.ProgramsFor(osinfo.Arch)[0].versionParser() })
	})

	invalid := map[string]string{
		"UnknownField":   "artifacts:\n  - url: x\n    checksum: y\n",
		"UnknownFamily":  "programs:\n  beos:\n    - name: x\n",
		"NoName":         "programs:\n  debian:\n    - min_version: \"1\"\n",
		"NoVersionGroup": "programs:\n  debian:\n    - name: x\n      version_parser:\n        pattern: 'x (\\d+)'\n",
		"BadPattern":     "programs:\n  debian:\n    - name: git\n      version_parser:\n        pattern: 'git (?P<Version>[0-9'\n",
		"ArtifactURL":    "artifacts:\n  - file: x\n",
		"RepositoryDir":  "repositories:\n  - url: x\n",
		"BadGlob":        "clean:\n  - \"[\"\n",
	}
	for name, content := range invalid {
		content := content
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(content))
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", err)
		})
	}

	t.Run("Read", func(t *testing.T) {
		_, err := ReadManifest(filepath.Join(t.TempDir(), ManifestFileName))
		assert.Equal(t, codes.NotFound, status.Code(err))

		p := filepath.Join(t.TempDir(), ManifestFileName)
		require.NoError(t, os.WriteFile(p, []byte("clean: [\"*.bak\"]\n"), 0644))
		m, err := ReadManifest(p)
		require.NoError(t, err)
		assert.Equal(t, []string{"*.bak"}, m.Clean)
	})
}

func Test_withFileLock(t *testing.T) {
	ctx := context.Background()
	lockPath := filepath.Join(t.TempDir(), "cache", syncLockName)

	ran := false
	require.NoError(t, withFileLock(ctx, lockPath, time.Second, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	other, err := filemutex.New(lockPath)
	require.NoError(t, err)
	require.NoError(t, other.Lock())

	err = withFileLock(ctx, lockPath, 50*time.Millisecond, func() error {
		t.Fatal("must not run while the lock is held")
		return nil
	})
	assert.Error(t, err)
	require.NoError(t, other.Unlock())

	require.NoError(t, withFileLock(ctx, lockPath, 5*time.Second, func() error { return nil }))
}

func Test_VersionHash(t *testing.T) {
	ctx := context.Background()
	manifest := &Manifest{VersionHashFiles: []string{"src/**.txt", "*.md"}}

	write := func(root string, rel string, content string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	unix := newTestSession(t, osinfo.Debian, manifest)
	write(unix.RootDir(), "src/b/two.txt", "cd\n")
	write(unix.RootDir(), "src/a/one.txt", "ab\n")
	write(unix.RootDir(), "README.md", "ef\n")
	write(unix.RootDir(), "src/ignored.go", "xx")
	write(unix.RootDir(), ".git/config.txt", "yy")

	files, err := unix.versionHashFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a/one.txt", "src/b/two.txt", "README.md"}, files)

	require.NoError(t, unix.computeVersionHash(ctx))
	sum := sha1.Sum([]byte("abcdef"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:7], unix.Properties.GetValue(VersionHashProperty))

	windows := newTestSession(t, osinfo.Debian, manifest)
	write(windows.RootDir(), "src/a/one.txt", "ab\r\n")
	write(windows.RootDir(), "src/b/two.txt", "cd\r\n")
	write(windows.RootDir(), "README.md", "e\r\nf")
	require.NoError(t, windows.computeVersionHash(ctx))
	assert.Equal(t, unix.Properties.GetValue(VersionHashProperty), windows.Properties.GetValue(VersionHashProperty))

	sha256Session := newTestSession(t, osinfo.Debian, manifest, WithHashAlgorithm("sha-256"))
	write(sha256Session.RootDir(), "README.md", "x")
	require.NoError(t, sha256Session.computeVersionHash(ctx))
	assert.Len(t, sha256Session.Properties.GetValue(VersionHashProperty), 7)

	unknown := newTestSession(t, osinfo.Debian, manifest, WithHashAlgorithm("crc"))
	err = unknown.computeVersionHash(ctx)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	empty := newTestSession(t, osinfo.Debian, nil)
	require.NoError(t, empty.computeVersionHash(ctx))
	assert.Equal(t, "", empty.Properties.GetValue(VersionHashProperty))
}

func Test_shortHash(t *testing.T) {
	assert.Equal(t, "0123456", shortHash("0123456789"))
	assert.Equal(t, "01", shortHash("01"))
	assert.True(t, strings.HasPrefix("0123456789", shortHash("0123456789")))
}
