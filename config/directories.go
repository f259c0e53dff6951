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

package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	downloadCacheSubDir = "downloads"
	logSubDir           = "logs"
	// CacheDirEnv, if set, replaces the user cache directory.
	CacheDirEnv = "TPREP_CACHE_DIR"
	// LogDirEnv, if set, is the directory receiving log files and the
	// build tools inventory.
	LogDirEnv = "TPREP_LOG_DIR"
	// ConfigFileEnv, if set, is the config file. It takes precedence over
	// UserConfigDirEnv.
	ConfigFileEnv = "TPREP_CONFIG_FILE"
	// UserConfigDirEnv if set, will be the directory the user config will be loaded from.
	UserConfigDirEnv = "TPREP_USER_CONFIG_DIR"
)

func EnsureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func lookupTrimmedEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// CachePath returns the root of the tprep cache.
func CachePath() (string, error) {
	if p, ok := lookupTrimmedEnv(CacheDirEnv); ok {
		return p, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".cache", "tprep"), nil
}

func cachePathFor(subDir string) (string, error) {
	cachePath, err := CachePath()
	if err != nil {
		return "", err
	}

	return filepath.Join(cachePath, subDir), nil
}

// DownloadCachePath returns the directory receiving downloaded artifacts
// and installer packages.
func DownloadCachePath() (string, error) {
	return cachePathFor(downloadCacheSubDir)
}

// LogPath returns the directory receiving log files.
func LogPath() (string, error) {
	if p, ok := lookupTrimmedEnv(LogDirEnv); ok {
		return p, nil
	}
	return cachePathFor(logSubDir)
}
