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
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/toitlang/tprep/pkg/download"
	"github.com/toitlang/tprep/pkg/fsutil"
)

const systemInstaller = "/usr/sbin/installer"

// Pkg installs macOS flat packages with the system installer.
// The installer must run as root, so sudo has to be enabled explicitly.
type Pkg struct {
	// URL of the .pkg file.
	URL string
	// ID is the package identifier known to pkgutil.
	ID string
	// SHA256, if set, is verified after the download.
	SHA256 string
}

func (k *Pkg) Name() string    { return "pkg" }
func (k *Pkg) NeedsSudo() bool { return true }

func (k *Pkg) CheckInstalled(ctx context.Context, p *Program) bool {
	return p.env.succeeds(ctx, "pkgutil", "--pkg-info", k.ID)
}

// QueryVersion reads the "version: " line of pkgutil --pkg-info.
func (k *Pkg) QueryVersion(ctx context.Context, p *Program) string {
	out := p.env.query(ctx, "pkgutil", "--pkg-info", k.ID)
	for _, l := range strings.Split(out, "\n") {
		if v := strings.TrimPrefix(strings.TrimSpace(l), "version:"); v != strings.TrimSpace(l) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// fileName returns the local name of the package.
func (k *Pkg) fileName() string {
	if u, err := url.Parse(k.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		return path.Base(u.Path)
	}
	return k.ID + ".pkg"
}

func (k *Pkg) Install(ctx context.Context, p *Program) bool {
	env := p.env
	if !env.UseSudo {
		env.Log.Errorf("Installing %s requires running %s with sudo. Enable sudo for automatic provisioning to install it", p.Name(), systemInstaller)
		return false
	}
	if env.Downloads == nil || env.CacheDir == "" {
		panic("program: package installation requires a download client and a cache directory")
	}

	target := filepath.Join(env.CacheDir, "pkg", k.fileName())
	if ok, _ := fsutil.IsFile(target); !ok {
		env.Log.Infof("Downloading %s", k.URL)
		status := download.NewStatus(0, env.DownloadInterval, download.ProgressLogger(env.Log, p.Name()))
		if err := env.Downloads.Download(ctx, k.URL, target, k.SHA256, status); err != nil {
			env.Log.WithError(err).Errorf("Failed to download %s", k.URL)
			return false
		}
	}
	return env.install(ctx, true, systemInstaller, "-pkg", target, "-target", "/")
}
