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

// Package osinfo identifies the operating system and, on Linux, the
// distribution family that decides which package manager is used.
package osinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Family is a group of operating systems sharing a package manager.
type Family int

const (
	Unknown Family = iota
	Debian
	Fedora
	Arch
	Gentoo
	MacOS
	Windows
)

var familyNames = map[Family]string{
	Unknown: "unknown",
	Debian:  "debian",
	Fedora:  "fedora",
	Arch:    "arch",
	Gentoo:  "gentoo",
	MacOS:   "macos",
	Windows: "windows",
}

func (f Family) String() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// ParseFamily parses the name returned by Family.String.
func ParseFamily(name string) (Family, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range familyNames {
		if n == name && f != Unknown {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown operating system family '%s'", name)
}

// The distribution ids (and ID_LIKE entries) of each family.
var familyIDs = map[Family][]string{
	Debian: {"debian", "ubuntu", "linuxmint", "pop", "elementary", "raspbian"},
	Fedora: {"fedora", "rhel", "centos", "rocky", "almalinux"},
	Arch:   {"arch", "manjaro", "endeavouros"},
	Gentoo: {"gentoo"},
}

// variables to allow tests to modify the values
var (
	osReleasePaths = []string{
		"/etc/os-release",
		"/usr/lib/os-release",
		"/usr/lib64/os-release",
	}
	goos = runtime.GOOS
)

// Info describes the running system.
type Info struct {
	// Type is the GOOS value.
	Type       string
	Family     Family
	ID         string
	IDLike     []string
	Name       string
	PrettyName string
	Version    string
	VersionID  string
}

func (i *Info) String() string {
	if i.PrettyName != "" {
		return i.PrettyName
	}
	if i.Name != "" {
		return strings.TrimSpace(i.Name + " " + i.VersionID)
	}
	return i.Type
}

// IsLinux reports whether the system is Linux.
func (i *Info) IsLinux() bool { return i.Type == "linux" }

// IsMacOS reports whether the system is macOS.
func (i *Info) IsMacOS() bool { return i.Type == "darwin" }

// IsWindows reports whether the system is Windows.
func (i *Info) IsWindows() bool { return i.Type == "windows" }

// Detect identifies the running system.
func Detect() (*Info, error) {
	switch goos {
	case "darwin":
		return &Info{Type: goos, Family: MacOS, ID: "macos", Name: "macOS"}, nil
	case "windows":
		return &Info{Type: goos, Family: Windows, ID: "windows", Name: "Windows"}, nil
	case "linux":
		for _, p := range osReleasePaths {
			f, err := os.Open(p)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			values, err := ParseRelease(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			return FromRelease(values), nil
		}
		return nil, fmt.Errorf("no os-release found in one of %v", osReleasePaths)
	}
	return &Info{Type: goos, Family: Unknown, ID: goos, Name: goos}, nil
}

// ParseRelease parses an os-release file into lower-cased keys and unquoted
// values.
func ParseRelease(r io.Reader) (map[string]string, error) {
	result := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		spl := strings.SplitN(line, "=", 2)
		if len(spl) < 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(spl[0]))
		value := strings.TrimSpace(spl[1])
		value = strings.Trim(value, `"'`)
		result[key] = value
	}
	return result, sc.Err()
}

// FromRelease builds the Linux Info from parsed os-release values.
func FromRelease(values map[string]string) *Info {
	info := &Info{
		Type:       "linux",
		ID:         strings.ToLower(values["id"]),
		IDLike:     strings.Fields(strings.ToLower(values["id_like"])),
		Name:       values["name"],
		PrettyName: values["pretty_name"],
		Version:    values["version"],
		VersionID:  values["version_id"],
	}
	info.Family = linuxFamily(info.ID, info.IDLike)
	return info
}

func linuxFamily(id string, idLike []string) Family {
	for _, candidate := range append([]string{id}, idLike...) {
		for f, ids := range familyIDs {
			for _, known := range ids {
				if candidate == known {
					return f
				}
			}
		}
	}
	return Unknown
}
