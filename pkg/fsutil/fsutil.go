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

// Package fsutil contains filesystem helpers that tolerate transient
// failures (virus scanners, indexers, slow network shares) by retrying.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/toitlang/tprep/pkg/retry"
)

// IsFile returns whether p exists and is a regular file.
func IsFile(p string) (bool, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	} else if info.IsDir() {
		return false, nil
	}
	return true, nil
}

// IsDirectory returns whether p exists and is a directory.
func IsDirectory(p string) (bool, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// DeleteDirectory removes the directory, retrying with the given policy.
// If a deletion fails because of permissions, the permissions of the tree
// are reset before the next attempt.
// A missing directory is not an error.
func DeleteDirectory(ctx context.Context, policy retry.Policy, dir string, recursive bool) error {
	resetPermissions := false
	return policy.Do(ctx, fmt.Sprintf("Directory %s deletion", dir), func(ctx context.Context) error {
		if resetPermissions {
			resetPermissions = false
			resetTreePermissions(dir)
		}
		var err error
		if recursive {
			err = os.RemoveAll(dir)
		} else {
			err = os.Remove(dir)
		}
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if errors.Is(err, fs.ErrPermission) {
			resetPermissions = true
		}
		return err
	})
}

func resetTreePermissions(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			os.Chmod(path, 0755)
		} else {
			os.Chmod(path, 0644)
		}
		return nil
	})
}

// DeleteFile removes a single file, retrying with the given policy.
// A missing file is not an error.
func DeleteFile(ctx context.Context, policy retry.Policy, path string) error {
	return policy.Do(ctx, fmt.Sprintf("File %s deletion", path), func(ctx context.Context) error {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// MoveFile moves source to destination, replacing the destination.
// When a rename is impossible (different devices) the file is copied and
// the source removed.
// If resetTimestamp is set, the destination's modification time is set to now.
func MoveFile(ctx context.Context, policy retry.Policy, source string, destination string, resetTimestamp bool) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}
	err := policy.Do(ctx, fmt.Sprintf("File move %s -> %s", source, destination), func(ctx context.Context) error {
		if err := os.Rename(source, destination); err == nil {
			return nil
		}
		if err := copyFile(source, destination); err != nil {
			return err
		}
		return os.Remove(source)
	})
	if err != nil || !resetTimestamp {
		return err
	}
	return TouchFile(ctx, policy, destination, time.Now())
}

// TouchFile sets the access and modification time of an existing file.
func TouchFile(ctx context.Context, policy retry.Policy, path string, stamp time.Time) error {
	return policy.Do(ctx, fmt.Sprintf("File %s touch", path), func(ctx context.Context) error {
		return os.Chtimes(path, stamp, stamp)
	})
}

// MoveDirectoryContents moves every entry of sourceDir into destinationDir.
// If cleanDestination is set, destinationDir is removed first.
// The emptied sourceDir is deleted afterwards.
func MoveDirectoryContents(ctx context.Context, policy retry.Policy, sourceDir string, destinationDir string, cleanDestination bool) error {
	if cleanDestination {
		if err := DeleteDirectory(ctx, policy, destinationDir, true); err != nil {
			return err
		}
	}
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destinationDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return MoveFile(ctx, policy, path, target, false)
	})
	if err != nil {
		return err
	}
	return DeleteDirectory(ctx, policy, sourceDir, true)
}

func copyFile(source string, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
