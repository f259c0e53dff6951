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

package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	logFileMode    = os.FileMode(0640)
	logFileDirMode = os.FileMode(0750)
	logFileFlags   = os.O_CREATE | os.O_WRONLY | os.O_APPEND
)

var errNeedLogPath = errors.New("log file path cannot be empty")

// FileHook appends every entry to a log file, ignoring the console
// formatter and verbosity.
type FileHook struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileHook opens (and creates if needed) the log file.
func NewFileHook(path string) (*FileHook, error) {
	if path == "" {
		return nil, errNeedLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), logFileDirMode); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, logFileFlags, logFileMode)
	if err != nil {
		return nil, err
	}
	return &FileHook{
		path: path,
		file: f,
	}, nil
}

// LogFileName returns the name of the log file for a run started at t.
func LogFileName(t time.Time) string {
	return fmt.Sprintf("tprep-%s.log", t.Format("20060102T150405"))
}

// Levels informs logrus that the hook wants all levels.
func (hook *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// formatFields returns a "name=value" formatted string of sorted map keys.
func formatFields(fields logrus.Fields) string {
	var keys []string
	for key := range fields {
		if key == StatusField || key == IndentField {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sorted []string
	for _, k := range keys {
		sorted = append(sorted, fmt.Sprintf("%s=%q", k, fmt.Sprint(fields[k])))
	}
	return strings.Join(sorted, " ")
}

// Fire writes the entry.
func (hook *FileHook) Fire(entry *logrus.Entry) error {
	str := fmt.Sprintf("time=%q pid=%d level=%q",
		entry.Time.Format(time.RFC3339Nano),
		os.Getpid(),
		entry.Level)

	if fields := formatFields(entry.Data); fields != "" {
		str += " " + fields
	}
	if entry.Message != "" {
		str += " " + fmt.Sprintf("msg=%q", entry.Message)
	}
	str += "\n"

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.file == nil {
		return nil
	}
	_, err := hook.file.WriteString(str)
	return err
}

// Close closes the log file.
func (hook *FileHook) Close() error {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.file == nil {
		return nil
	}
	err := hook.file.Close()
	hook.file = nil
	return err
}
