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

package download

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultUpdateInterval is the minimum time between two progress callbacks.
	DefaultUpdateInterval = time.Second
	// NonInteractiveUpdateInterval is used when nobody watches a terminal.
	NonInteractiveUpdateInterval = time.Minute
)

// Status accumulates the progress of one transfer.
//
// Chunk sizes reported through Update are buffered and only applied once the
// update interval has elapsed, at which point the callback is invoked with a
// snapshot that has DownloadedSoFar and BytesPerSecond refreshed.
// The exported fields of a live Status must only be read through Snapshot.
type Status struct {
	mu sync.Mutex

	TotalSize       uint64
	DownloadedSoFar uint64
	BytesPerSecond  uint64

	interval time.Duration
	update   func(*Status)
	now      func() time.Time

	pending     uint64
	windowStart time.Time
}

// NewStatus creates a status for a transfer of totalSize bytes.
// A non-positive interval selects DefaultUpdateInterval.
func NewStatus(totalSize uint64, interval time.Duration, update func(*Status)) *Status {
	if update == nil {
		panic("download: update callback must not be nil")
	}
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	s := &Status{
		TotalSize: totalSize,
		interval:  interval,
		update:    update,
		now:       time.Now,
	}
	s.windowStart = s.now()
	return s
}

// SetTotalSize sets the size of the transfer if it isn't known yet.
func (s *Status) SetTotalSize(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalSize == 0 {
		s.TotalSize = n
	}
}

// Snapshot returns a copy of the current progress.
func (s *Status) Snapshot() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Status) snapshotLocked() *Status {
	return &Status{
		TotalSize:       s.TotalSize,
		DownloadedSoFar: s.DownloadedSoFar,
		BytesPerSecond:  s.BytesPerSecond,
		interval:        s.interval,
		update:          s.update,
		now:             s.now,
		windowStart:     s.windowStart,
	}
}

// Interval returns the minimum time between callbacks.
func (s *Status) Interval() time.Duration { return s.interval }

// Start resets the progress and the throughput window. Called when a
// transfer (or a retry of it) begins.
func (s *Status) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = 0
	s.DownloadedSoFar = 0
	s.BytesPerSecond = 0
	s.windowStart = s.now()
}

// Update records that n more bytes were transferred.
// The buffered bytes are flushed when the interval has elapsed, or when the
// total size is reached.
func (s *Status) Update(n uint64) {
	s.mu.Lock()
	s.pending += n
	now := s.now()
	elapsed := now.Sub(s.windowStart)
	complete := s.TotalSize > 0 && s.DownloadedSoFar+s.pending >= s.TotalSize
	if elapsed < s.interval && !complete {
		s.mu.Unlock()
		return
	}
	s.flushLocked(now, elapsed)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.update(snapshot)
}

// Finish applies any buffered bytes and invokes the callback a last time.
func (s *Status) Finish() {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.flushLocked(now, now.Sub(s.windowStart))
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.update(snapshot)
}

func (s *Status) flushLocked(now time.Time, elapsed time.Duration) {
	if secs := elapsed.Seconds(); secs > 0 {
		s.BytesPerSecond = uint64(float64(s.pending) / secs)
	} else {
		s.BytesPerSecond = s.pending
	}
	s.DownloadedSoFar += s.pending
	s.pending = 0
	s.windowStart = now
}

// Percent returns the completed share of the transfer, or -1 if the total is
// unknown.
func (s *Status) Percent() int {
	if s.TotalSize == 0 {
		return -1
	}
	p := s.DownloadedSoFar * 100 / s.TotalSize
	if p > 100 {
		p = 100
	}
	return int(p)
}

// String formats the progress as "<pct>% (<size> at <speed>/s)".
func (s *Status) String() string {
	size := FormatSize(s.DownloadedSoFar)
	speed := FormatSize(s.BytesPerSecond)
	if p := s.Percent(); p >= 0 {
		return fmt.Sprintf("%d%% (%s at %s/s)", p, size, speed)
	}
	return fmt.Sprintf("%s at %s/s", size, speed)
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize formats n bytes with at most three significant digits.
func FormatSize(n uint64) string {
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	switch {
	case unit == 0:
		return fmt.Sprintf("%d%s", n, sizeUnits[0])
	case value >= 100:
		return fmt.Sprintf("%.0f%s", value, sizeUnits[unit])
	case value >= 10:
		return fmt.Sprintf("%.1f%s", value, sizeUnits[unit])
	}
	return fmt.Sprintf("%.2f%s", value, sizeUnits[unit])
}
