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

// Package tracking carries completion events of steps and scenarios to the
// embedding tool.
package tracking

import (
	"context"
)

// Event is one tracked occurrence.
type Event struct {
	Name       string
	Properties map[string]string
}

// Track receives events. Errors are reported by the caller but never abort
// the run.
type Track func(ctx context.Context, event *Event) error

// Nop discards all events.
func Nop(ctx context.Context, event *Event) error {
	return nil
}
