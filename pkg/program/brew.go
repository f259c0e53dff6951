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
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/toitlang/tprep/pkg/version"
)

// Brew installs Homebrew formulas.
type Brew struct {
	// Tap is tapped before installing, if set.
	Tap string
	// FormulaURL, if set, is installed instead of the formula name.
	FormulaURL string
	// Pin pins the formula after installation so that upgrades of other
	// formulas leave it alone.
	Pin bool

	cachedVersionOutput string
	multipleVersions    bool
}

func (b *Brew) Name() string    { return "brew" }
func (b *Brew) NeedsSudo() bool { return false }

func (b *Brew) keepFirstInventoryEntry() bool { return true }

// forceReinstall is set when brew reports more than one installed version.
func (b *Brew) forceReinstall() bool { return b.multipleVersions }

func (b *Brew) run(ctx context.Context, p *Program, echo bool, arguments ...string) bool {
	if echo {
		return p.env.install(ctx, false, "brew", arguments...)
	}
	return p.env.succeeds(ctx, "brew", arguments...)
}

// packageVersion returns the first line of "brew ls --versions".
func (b *Brew) packageVersion(ctx context.Context, p *Program) string {
	out := p.env.query(ctx, "brew", "ls", "--versions", p.Name())
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

func (b *Brew) CheckInstalled(ctx context.Context, p *Program) bool {
	b.cachedVersionOutput = b.packageVersion(ctx, p)
	return b.cachedVersionOutput != ""
}

// QueryVersion parses "name version[_revision] ...". Brew lists every
// installed version on one line; if there are several the lowest one is
// reported and the formula is reinstalled on the next Install.
func (b *Brew) QueryVersion(ctx context.Context, p *Program) string {
	if b.cachedVersionOutput == "" {
		b.cachedVersionOutput = b.packageVersion(ctx, p)
	}
	parts := strings.SplitN(b.cachedVersionOutput, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		p.env.Log.Debugf("Unable to parse %s version from Homebrew output: '%s'", p.Name(), b.cachedVersionOutput)
		return ""
	}

	candidates := strings.Fields(parts[1])
	if len(candidates) == 1 {
		return version.Normalize(candidates[0])
	}

	p.env.Log.Debugf("Brew reported more than one version of %s is installed: %s", p.Name(), parts[1])
	b.multipleVersions = true
	var versions []*goversion.Version
	for _, c := range candidates {
		if v, err := version.Parse(c); err == nil {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		p.env.Log.Debugf("Failed to parse any valid versions for %s from %s", p.Name(), parts[1])
		return ""
	}
	sort.Sort(goversion.Collection(versions))
	return versions[0].Original()
}

// AfterDetect links an installed formula (it may be installed but not
// linked into the prefix on the PATH) and pins it if requested. A formula
// with the wrong version is unpinned so that it can be upgraded.
func (b *Brew) AfterDetect(ctx context.Context, p *Program, installed bool) {
	if !installed {
		return
	}
	if p.InstalledButWrongVersion() {
		p.env.Log.Debugf("Unpinning %s as the wrong version is installed", p.Name())
		b.run(ctx, p, false, "unpin", p.Name())
		return
	}
	b.run(ctx, p, false, "link", p.Name())
	if b.Pin {
		p.env.Log.Debugf("Pinning %s to version %s", p.Name(), p.CurrentVersion())
		b.run(ctx, p, false, "pin", p.Name())
	}
}

func (b *Brew) Install(ctx context.Context, p *Program) bool {
	if b.Tap != "" {
		if !b.run(ctx, p, true, "tap", b.Tap) {
			return false
		}
	}

	install := !p.InstalledButWrongVersion()
	if b.multipleVersions {
		p.env.Log.Infof("%s has multiple versions installed, uninstalling all of them", p.Name())
		b.run(ctx, p, false, "unpin", p.Name())
		b.run(ctx, p, false, "unlink", p.Name())
		b.run(ctx, p, true, "uninstall", "--ignore-dependencies", "--force", p.Name())
		install = true
	}

	installName := p.Name()
	if b.FormulaURL != "" {
		installName = b.FormulaURL
	}
	var success bool
	if install {
		success = b.run(ctx, p, true, "install", installName)
	} else {
		success = b.run(ctx, p, true, "upgrade", installName)
	}

	b.cachedVersionOutput = ""
	b.multipleVersions = false
	if v := b.QueryVersion(ctx, p); v != "" && p.env.Inventory != nil {
		p.env.Inventory.AddIfAbsent(p.Name(), v)
	}

	if !success || !b.Pin {
		return success
	}
	return b.run(ctx, p, false, "pin", p.Name())
}
