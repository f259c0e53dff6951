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

package program

import (
	"context"
	"regexp"
	"strings"
)

// gentooRevision matches the ebuild revision suffix ("-r1").
var gentooRevision = regexp.MustCompile(`-r[0-9]+$`)

// stripPackageRevision removes the epoch ("1:") and the distribution
// revision ("-1ubuntu2", "+dfsg") from a package version.
func stripPackageRevision(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, ":"); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.IndexAny(v, "-+~"); i >= 0 {
		v = v[:i]
	}
	return v
}

// Apt installs Debian packages.
type Apt struct{}

func (a *Apt) Name() string    { return "apt" }
func (a *Apt) NeedsSudo() bool { return true }

// CheckInstalled asks dpkg for the status abbreviation of the package. The
// package is installed iff the second character (the current state) is 'i'.
func (a *Apt) CheckInstalled(ctx context.Context, p *Program) bool {
	status := p.env.query(ctx, "dpkg-query", "-f", "${db:Status-abbrev}", "-W", p.Name())
	return len(status) >= 2 && status[1] == 'i'
}

func (a *Apt) QueryVersion(ctx context.Context, p *Program) string {
	return stripPackageRevision(p.env.query(ctx, "dpkg-query", "-f", "${Version}", "-W", p.Name()))
}

func (a *Apt) Install(ctx context.Context, p *Program) bool {
	return p.env.install(ctx, true, "apt-get", "-f", "-u", "install", p.Name())
}

// Dnf installs Fedora packages.
type Dnf struct{}

func (d *Dnf) Name() string    { return "dnf" }
func (d *Dnf) NeedsSudo() bool { return true }

func (d *Dnf) CheckInstalled(ctx context.Context, p *Program) bool {
	return p.env.succeeds(ctx, "rpm", "-q", p.Name())
}

func (d *Dnf) QueryVersion(ctx context.Context, p *Program) string {
	return strings.TrimSpace(p.env.query(ctx, "rpm", "-q", "--queryformat", "%{VERSION}", p.Name()))
}

func (d *Dnf) Install(ctx context.Context, p *Program) bool {
	return p.env.install(ctx, true, "dnf", "-y", "install", p.Name())
}

// Pacman installs Arch packages.
type Pacman struct{}

func (a *Pacman) Name() string    { return "pacman" }
func (a *Pacman) NeedsSudo() bool { return true }

func (a *Pacman) CheckInstalled(ctx context.Context, p *Program) bool {
	return p.env.succeeds(ctx, "pacman", "-Q", p.Name())
}

// QueryVersion parses "name version-release".
func (a *Pacman) QueryVersion(ctx context.Context, p *Program) string {
	fields := strings.Fields(p.env.query(ctx, "pacman", "-Q", p.Name()))
	if len(fields) != 2 {
		return ""
	}
	return stripPackageRevision(fields[1])
}

func (a *Pacman) Install(ctx context.Context, p *Program) bool {
	return p.env.install(ctx, true, "pacman", "-S", "--noconfirm", p.Name())
}

// Emerge installs Gentoo packages. Whether sudo is used depends on the
// installation, so it is configurable.
type Emerge struct {
	UseSudo bool
}

func (e *Emerge) Name() string    { return "emerge" }
func (e *Emerge) NeedsSudo() bool { return e.UseSudo }

func (e *Emerge) CheckInstalled(ctx context.Context, p *Program) bool {
	return p.env.query(ctx, "equery", "--quiet", "list", p.Name()) != ""
}

// QueryVersion strips the "category/name-" prefix, the slot and the ebuild
// revision from the equery output, for example "dev-vcs/git-2.41.0-r1"
// becomes "2.41.0".
func (e *Emerge) QueryVersion(ctx context.Context, p *Program) string {
	out := p.env.query(ctx, "equery", "--quiet", "list", p.Name())
	if out == "" {
		return ""
	}
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if i := strings.LastIndex(line, "/"); i >= 0 {
		line = line[i+1:]
	}
	name := p.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasPrefix(line, name+"-") {
		return ""
	}
	v := line[len(name)+1:]
	if i := strings.Index(v, ":"); i >= 0 {
		v = v[:i]
	}
	return gentooRevision.ReplaceAllString(v, "")
}

func (e *Emerge) Install(ctx context.Context, p *Program) bool {
	return p.env.install(ctx, e.UseSudo, "emerge", "--oneshot", p.Name())
}
