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
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/toitlang/tprep/pkg/pipeline"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VersionHashProperty receives the abbreviated version hash.
const VersionHashProperty = "VersionHash"

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(algorithm, "-", "")) {
	case "SHA1":
		return sha1.New(), nil
	case "SHA256":
		return sha256.New(), nil
	case "SHA384":
		return sha512.New384(), nil
	case "SHA512":
		return sha512.New(), nil
	case "MD5":
		return md5.New(), nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "unsupported hash algorithm '%s'", algorithm)
}

// ValidateHashAlgorithm returns an InvalidArgument error if name isn't a
// supported hash algorithm.
func ValidateHashAlgorithm(name string) error {
	_, err := newHash(name)
	return err
}

// VersionHashStep hashes the files matching the manifest's version hash
// globs and stores the abbreviated hash in the VersionHash property.
func (s *Session) VersionHashStep() *pipeline.Step {
	return pipeline.NewStep("Generate version hash", s.computeVersionHash)
}

func (s *Session) computeVersionHash(ctx context.Context) error {
	if len(s.Manifest.VersionHashFiles) == 0 {
		s.Log.Debug("Version hash files not specified")
		return nil
	}
	h, err := newHash(s.HashAlgorithm())
	if err != nil {
		return err
	}
	files, err := s.versionHashFiles()
	if err != nil {
		return err
	}
	for _, rel := range files {
		s.Log.Debugf("Hashing %s", rel)
		if err := hashFile(h, filepath.Join(s.RootDir(), filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	sum := shortHash(hex.EncodeToString(h.Sum(nil)))
	s.Properties.Set(VersionHashProperty, sum)
	s.Log.Infof("Version hash: %s (%s, %d files)", sum, s.HashAlgorithm(), len(files))
	return nil
}

// versionHashFiles returns the slash separated paths, relative to the root
// directory, of the files to hash. Files are grouped by the first glob
// they match, in glob order, and sorted within a group.
func (s *Session) versionHashFiles() ([]string, error) {
	globs, err := compileGlobs(s.Manifest.VersionHashFiles)
	if err != nil {
		return nil, err
	}
	root := s.RootDir()
	groups := make([][]string, len(globs))
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (d.Name() == ".git" || d.Name() == ".tprep") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for i, g := range globs {
			if g.Match(rel) {
				groups[i] = append(groups[i], rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var result []string
	for _, g := range groups {
		sort.Strings(g)
		result = append(result, g...)
	}
	return result, nil
}

// hashFile feeds the file to h, skipping line terminators so that the
// hash doesn't depend on the checkout's line endings.
func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	w := bufio.NewWriter(h)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if b == '\r' || b == '\n' {
			continue
		}
		w.WriteByte(b)
	}
	return w.Flush()
}
