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

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/tprep/commands"
	"github.com/toitlang/tprep/config"
)

func Test_Viper(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(config.CacheDirEnv, filepath.Join(dir, "cache"))
		t.Setenv(config.LogDirEnv, filepath.Join(dir, "logs"))
		cfgFile := filepath.Join(dir, "config.yaml")

		vc := NewViper()
		require.NoError(t, vc.Init(cfgFile))
		cfg, err := vc.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, cfg.AutoProvision)
		assert.Empty(t, cfg.Properties)
		assert.Equal(t, filepath.Join(dir, "cache", "downloads"), cfg.CacheDir)
		assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir)

		yes := true
		no := false
		require.NoError(t, vc.Store(ctx, &commands.Config{
			Properties:            []string{"Configuration=Release", "MixedCase=X"},
			AutoProvision:         &yes,
			AutoProvisionUsesSudo: &no,
			Verbosity:             "verbose",
			HashAlgorithm:         "SHA256",
		}))
		_, err = os.Stat(cfgFile)
		require.NoError(t, err)

		vc = NewViper()
		require.NoError(t, vc.Init(cfgFile))
		cfg, err = vc.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Configuration=Release", "MixedCase=X"}, cfg.Properties)
		require.NotNil(t, cfg.AutoProvision)
		assert.True(t, *cfg.AutoProvision)
		require.NotNil(t, cfg.AutoProvisionUsesSudo)
		assert.False(t, *cfg.AutoProvisionUsesSudo)
		assert.Equal(t, "verbose", cfg.Verbosity)
		assert.Equal(t, "SHA256", cfg.HashAlgorithm)
		assert.Empty(t, cfg.Manifest)
	})

	t.Run("Directories", func(t *testing.T) {
		dir := t.TempDir()
		cfgFile := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(`prep:
  cache_dir: /from/config/cache
  log_dir: /from/config/logs
`), 0644))

		vc := NewViper()
		require.NoError(t, vc.Init(cfgFile))
		t.Setenv(config.LogDirEnv, filepath.Join(dir, "logs"))
		t.Setenv(config.CacheDirEnv, "")
		cfg, err := vc.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/from/config/cache", cfg.CacheDir)
		// The environment wins over the config file.
		assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir)
	})

	t.Run("BadFile", func(t *testing.T) {
		dir := t.TempDir()
		cfgFile := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("prep: [\n"), 0644))
		assert.Error(t, NewViper().Init(cfgFile))
	})
}
