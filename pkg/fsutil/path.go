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

package fsutil

import (
	"path/filepath"
	"strings"
)

// URIPath is a URL converted into a relative path that can be used
// inside a cache directory.
// Colons are escaped so that URLs with ports (or Windows drive letters)
// don't produce invalid paths.
type URIPath string

// ToURIPath strips the scheme of the url and escapes it.
func ToURIPath(url string) URIPath {
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return URIPath(strings.ReplaceAll(url, ":", "%3A"))
}

// URL returns the (scheme-less) url the path was built from.
func (up URIPath) URL() string {
	return strings.ReplaceAll(string(up), "%3A", ":")
}

// FilePath returns the path with OS-specific separators.
func (up URIPath) FilePath() string {
	return filepath.FromSlash(string(up))
}
