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
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Properties is the bag of named configuration values of a session.
// Keys are case-sensitive.
type Properties struct {
	mu     sync.Mutex
	values map[string]string
}

// NewProperties creates a property bag holding values.
func NewProperties(values map[string]string) *Properties {
	p := &Properties{values: map[string]string{}}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Set sets the property key.
func (p *Properties) Set(key string, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// GetValue returns the value of key, or "" if it isn't set.
func (p *Properties) GetValue(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

// GetRequiredValue returns the value of key.
// A missing or empty value is a NotFound error.
func (p *Properties) GetRequiredValue(key string) (string, error) {
	v := strings.TrimSpace(p.GetValue(key))
	if v == "" {
		return "", status.Errorf(codes.NotFound, "required property '%s' is not set", key)
	}
	return v, nil
}

// Keys returns the property names, sorted.
func (p *Properties) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dump writes one "key: value" line per property, sorted by key.
func (p *Properties) Dump(w io.Writer) error {
	for _, k := range p.Keys() {
		if _, err := fmt.Fprintf(w, "%s: %s\n", k, p.GetValue(k)); err != nil {
			return err
		}
	}
	return nil
}

// ParseProperty splits a "key=value" assignment.
func ParseProperty(assignment string) (string, string, error) {
	i := strings.Index(assignment, "=")
	if i < 0 {
		return "", "", status.Errorf(codes.InvalidArgument, "property '%s' must have the form key=value", assignment)
	}
	key := strings.TrimSpace(assignment[:i])
	if key == "" {
		return "", "", status.Errorf(codes.InvalidArgument, "property '%s' has an empty name", assignment)
	}
	return key, assignment[i+1:], nil
}
