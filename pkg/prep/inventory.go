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
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// InventoryFileName is the name of the inventory written into the log
// directory at the end of a run.
const InventoryFileName = "buildtoolsinventory.csv"

// Inventory records the detected build tools and their versions.
type Inventory struct {
	mu    sync.Mutex
	tools map[string]string
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{tools: map[string]string{}}
}

// Add records version for name, replacing an earlier entry.
// Entries with an empty name or version are ignored.
func (inv *Inventory) Add(name string, version string) {
	if name == "" || version == "" {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tools[name] = version
}

// AddIfAbsent records version for name unless name is already known.
func (inv *Inventory) AddIfAbsent(name string, version string) {
	if name == "" || version == "" {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.tools[name]; !ok {
		inv.tools[name] = version
	}
}

// Get returns the version recorded for name.
func (inv *Inventory) Get(name string) (string, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	v, ok := inv.tools[name]
	return v, ok
}

// Names returns the recorded tool names in ordinal order.
func (inv *Inventory) Names() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	names := make([]string, 0, len(inv.tools))
	for n := range inv.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WriteCSV writes the inventory with a "BuildToolName,BuildToolVersion"
// header, one row per tool.
func (inv *Inventory) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"BuildToolName", "BuildToolVersion"}); err != nil {
		return err
	}
	for _, name := range inv.Names() {
		v, _ := inv.Get(name)
		if err := cw.Write([]string{name, v}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the inventory CSV to path.
func (inv *Inventory) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := inv.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
