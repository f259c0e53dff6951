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

// Package git clones and updates the external repositories a build needs.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/sirupsen/logrus"
)

// Options describe which revision of a repository is wanted.
type Options struct {
	URL string
	// Order of preference: hash > branch > tag.
	Hash   string
	Branch string
	Tag    string
	// Depth limits the history of fresh clones. 0 clones everything.
	Depth   int
	SSHPath string
}

// defaultBranches are tried, in order, when no branch or tag is given.
// go-git doesn't follow a remote HEAD that isn't "master".
var defaultBranches = []string{"main", "master", "trunk"}

func convertURLToSSH(str string) (string, error) {
	u, err := url.Parse(str)
	if err != nil {
		return "", err
	}
	return "ssh://git@" + u.Host + ":" + strings.TrimSuffix(u.Path, ".git") + ".git", nil
}

func normalizeURL(u string) string {
	if filepath.IsAbs(u) || strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

func auth(sshPath string) (transport.AuthMethod, error) {
	if sshPath == "" {
		return nil, nil
	}
	return ssh.NewPublicKeysFromFile("git", sshPath, "")
}

// Sync makes dir a checkout of the requested revision, cloning the
// repository if dir doesn't exist yet and pulling it otherwise.
// Returns the checked out hash.
func Sync(ctx context.Context, log logrus.FieldLogger, dir string, options Options) (string, error) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		log.Infof("Cloning %s into %s", options.URL, dir)
		return Clone(ctx, dir, options)
	case err != nil:
		return "", err
	case !info.IsDir():
		return "", fmt.Errorf("path %s exists but is not a directory", dir)
	}

	log.Infof("Updating %s", dir)
	if err := Pull(ctx, dir, options); err != nil {
		return "", err
	}
	return checkout(dir, options)
}

// Clone clones the repository into dir and checks out the requested
// revision. Returns the checked out hash.
func Clone(ctx context.Context, dir string, options Options) (string, error) {
	if options.Branch != "" || options.Tag != "" {
		return clone(ctx, dir, options)
	}

	var err error
	for _, branch := range defaultBranches {
		o := options
		o.Branch = branch
		hash, branchErr := clone(ctx, dir, o)
		if branchErr == nil {
			return hash, nil
		}
		os.RemoveAll(dir)
		if err == nil || !errors.Is(branchErr, plumbing.ErrReferenceNotFound) {
			err = branchErr
		}
	}
	return "", err
}

func clone(ctx context.Context, dir string, options Options) (string, error) {
	u := normalizeURL(options.URL)
	a, err := auth(options.SSHPath)
	if err != nil {
		return "", err
	}
	gogitOptions := &gogit.CloneOptions{
		URL:          u,
		Depth:        options.Depth,
		SingleBranch: options.Hash == "",
		Auth:         a,
	}
	if options.SSHPath != "" {
		sshURL, err := convertURLToSSH(u)
		if err != nil {
			return "", fmt.Errorf("invalid URL '%s': %v", u, err)
		}
		gogitOptions.URL = sshURL
	}

	// go-git can't clone a specific hash directly. The branch or tag is
	// checked out first, and most of the time it already has the hash.
	if options.Branch != "" {
		gogitOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Branch)
	} else if options.Tag != "" {
		gogitOptions.ReferenceName = plumbing.NewTagReferenceName(options.Tag)
	}

	_, err = gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	if errors.Is(err, transport.ErrAuthenticationRequired) && options.SSHPath == "" {
		// Try again with ssh, but without authentication.
		if sshURL, errURL := convertURLToSSH(u); errURL == nil {
			os.RemoveAll(dir)
			gogitOptions.URL = sshURL
			_, err = gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
		}
	}
	if err != nil {
		return "", err
	}
	return checkout(dir, options)
}

// checkout moves the worktree to the requested hash or tag, if any, and
// returns the hash of HEAD.
func checkout(dir string, options Options) (string, error) {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	var target plumbing.Hash
	switch {
	case options.Hash != "":
		target = plumbing.NewHash(options.Hash)
	case options.Tag != "":
		h, err := repository.ResolveRevision(plumbing.Revision(options.Tag))
		if err != nil {
			return "", fmt.Errorf("tag %s: %w", options.Tag, err)
		}
		target = *h
	default:
		return head.Hash().String(), nil
	}
	if head.Hash() == target {
		return target.String(), nil
	}
	w, err := repository.Worktree()
	if err != nil {
		return "", err
	}
	err = w.Checkout(&gogit.CheckoutOptions{
		Hash:  target,
		Force: true,
	})
	if err != nil {
		return "", fmt.Errorf("checkout %s: %w", target, err)
	}
	return target.String(), nil
}

// Pull fetches and merges the tracked branch of the checkout at dir.
// A checkout that is already up to date is not an error.
func Pull(ctx context.Context, dir string, options Options) error {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return err
	}
	a, err := auth(options.SSHPath)
	if err != nil {
		return err
	}

	if options.Hash != "" || options.Tag != "" {
		// A detached checkout has nothing to pull. Fetch so that the
		// revision becomes available.
		err = repository.FetchContext(ctx, &gogit.FetchOptions{
			Auth:  a,
			Force: true,
			Tags:  gogit.AllTags,
		})
		if err != nil && err != gogit.NoErrAlreadyUpToDate {
			return err
		}
		return nil
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		Force: true,
		Auth:  a,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return err
	}
	return nil
}

// Head returns the hash checked out at dir.
func Head(dir string) (string, error) {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}
