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

package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/toitlang/tprep/pkg/logging"
	"github.com/toitlang/tprep/pkg/prep"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v2"
)

const (
	configKeyAutoProvision         = "auto-provision"
	configKeyAutoProvisionUsesSudo = "auto-provision-uses-sudo"
	configKeyVerbosity             = "verbosity"
	configKeyHashAlgorithm         = "hash-algorithm"
	configKeyManifest              = "manifest"
	configKeyPropertyPrefix        = "property."
)

var configKeys = []string{
	configKeyAutoProvision,
	configKeyAutoProvisionUsesSudo,
	configKeyVerbosity,
	configKeyHashAlgorithm,
	configKeyManifest,
	configKeyPropertyPrefix + "<name>",
}

func (h *prepHandler) configSet(cmd *cobra.Command, args []string) error {
	key, value := strings.ToLower(strings.TrimSpace(args[0])), strings.TrimSpace(args[1])
	cfg := h.cfg

	switch {
	case key == configKeyAutoProvision || key == configKeyAutoProvisionUsesSudo:
		b, err := ParseBool(value)
		if err != nil {
			return err
		}
		if key == configKeyAutoProvision {
			cfg.AutoProvision = &b
		} else {
			cfg.AutoProvisionUsesSudo = &b
		}
	case key == configKeyVerbosity:
		v, err := logging.ParseVerbosity(value)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		cfg.Verbosity = v.String()
	case key == configKeyHashAlgorithm:
		if err := prep.ValidateHashAlgorithm(value); err != nil {
			return err
		}
		cfg.HashAlgorithm = value
	case key == configKeyManifest:
		cfg.Manifest = value
	case strings.HasPrefix(key, configKeyPropertyPrefix):
		// Property names keep their case.
		name := strings.TrimSpace(args[0])[len(configKeyPropertyPrefix):]
		if name == "" {
			return status.Errorf(codes.InvalidArgument, "missing property name in '%s'", args[0])
		}
		cfg.Properties = setProperty(cfg.Properties, name, value)
	default:
		return status.Errorf(codes.InvalidArgument, "unknown config key '%s' (expected one of: %s)", args[0], strings.Join(configKeys, ", "))
	}
	return h.cfgStore.Store(commandContext(cmd), cfg)
}

// setProperty replaces the assignment of name in properties, or appends
// one. An empty value removes the assignment.
func setProperty(properties []string, name string, value string) []string {
	result := []string{}
	for _, p := range properties {
		if k, _, err := prep.ParseProperty(p); err == nil && k == name {
			continue
		}
		result = append(result, p)
	}
	if value != "" {
		result = append(result, name+"="+value)
	}
	return result
}

func (h *prepHandler) configShow(cmd *cobra.Command, args []string) error {
	cfg := h.cfg
	var entries yaml.MapSlice
	add := func(key string, value interface{}) {
		entries = append(entries, yaml.MapItem{Key: key, Value: value})
	}
	if cfg.AutoProvision != nil {
		add(configKeyAutoProvision, *cfg.AutoProvision)
	}
	if cfg.AutoProvisionUsesSudo != nil {
		add(configKeyAutoProvisionUsesSudo, *cfg.AutoProvisionUsesSudo)
	}
	if cfg.Verbosity != "" {
		add(configKeyVerbosity, cfg.Verbosity)
	}
	if cfg.HashAlgorithm != "" {
		add(configKeyHashAlgorithm, cfg.HashAlgorithm)
	}
	if cfg.Manifest != "" {
		add(configKeyManifest, cfg.Manifest)
	}
	if len(cfg.Properties) > 0 {
		add("properties", cfg.Properties)
	}
	add("cache-dir", cfg.CacheDir)
	add("log-dir", cfg.LogDir)

	b, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = h.out.Write(b)
	return err
}
