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

// Package version extracts program versions from command output and
// compares dotted version numbers.
package version

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// DefaultVersion is reported when a version could not be determined.
const DefaultVersion = "0.0.0"

// Parse parses a dotted version number.
// Revision suffixes of the form "6.0.0_1" are accepted and compare like
// "6.0.0.1".
func Parse(v string) (*version.Version, error) {
	return version.NewVersion(Normalize(v))
}

// Normalize replaces revision separators so that the result can be parsed
// as a dotted version number.
func Normalize(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), "_", ".")
}

// IsDefault returns whether v is the sentinel version.
func IsDefault(v string) bool {
	return v == "" || v == DefaultVersion
}
