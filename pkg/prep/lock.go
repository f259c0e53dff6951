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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexflint/go-filemutex"
)

// DefaultLockTimeout is how long a step waits for another tprep process
// to release a shared cache.
const DefaultLockTimeout = 3 * time.Minute

const (
	syncLockName     = ".tprep_sync.lock"
	downloadLockName = ".tprep_download.lock"
)

// withFileLock runs f while holding the file lock at lockPath.
// Only one tprep process at a time updates a cache directory.
func withFileLock(ctx context.Context, lockPath string, timeout time.Duration, f func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return err
	}
	m, err := filemutex.New(lockPath)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The goroutine hands the lock over through 'acquired'. If nobody is
	// waiting anymore it releases the lock itself.
	acquired := make(chan struct{})
	abandoned := make(chan struct{})
	go func() {
		m.Lock()
		select {
		case acquired <- struct{}{}:
		case <-abandoned:
			m.Unlock()
		}
	}()

	select {
	case <-acquired:
		defer m.Unlock()
	case <-ctx.Done():
		close(abandoned)
		return fmt.Errorf("unable to acquire lock %s: %w", lockPath, ctx.Err())
	}
	return f()
}
