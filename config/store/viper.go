package store

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/toitlang/tprep/commands"
	"github.com/toitlang/tprep/config"
)

type Viper struct {
	v *viper.Viper
}

func NewViper() *Viper {
	return &Viper{
		v: viper.New(),
	}
}

const (
	configKeyProperties            = "prep.properties"
	configKeyAutoProvision         = "prep.auto_provision"
	configKeyAutoProvisionUsesSudo = "prep.auto_provision_uses_sudo"
	configKeyVerbosity             = "prep.verbosity"
	configKeyHashAlgorithm         = "prep.hash_algorithm"
	configKeyManifest              = "prep.manifest"
	configKeyCacheDir              = "prep.cache_dir"
	configKeyLogDir                = "prep.log_dir"
)

// Init sets the config file. A missing file is not an error; it is
// created by the first Store.
func (vc *Viper) Init(cfgFile string) error {
	vc.v.SetConfigFile(cfgFile)
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return nil
	}
	return vc.v.ReadInConfig()
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{}
	v := vc.v

	if v.IsSet(configKeyProperties) {
		result.Properties = v.GetStringSlice(configKeyProperties)
	}
	if v.IsSet(configKeyAutoProvision) {
		b := v.GetBool(configKeyAutoProvision)
		result.AutoProvision = &b
	}
	if v.IsSet(configKeyAutoProvisionUsesSudo) {
		b := v.GetBool(configKeyAutoProvisionUsesSudo)
		result.AutoProvisionUsesSudo = &b
	}
	result.Verbosity = v.GetString(configKeyVerbosity)
	result.HashAlgorithm = v.GetString(configKeyHashAlgorithm)
	result.Manifest = v.GetString(configKeyManifest)

	// The environment takes precedence over the config file.
	var err error
	if envSet(config.CacheDirEnv) || !v.IsSet(configKeyCacheDir) {
		result.CacheDir, err = config.DownloadCachePath()
		if err != nil {
			return nil, err
		}
	} else {
		result.CacheDir = v.GetString(configKeyCacheDir)
	}
	if envSet(config.LogDirEnv) || !v.IsSet(configKeyLogDir) {
		result.LogDir, err = config.LogPath()
		if err != nil {
			return nil, err
		}
	} else {
		result.LogDir = v.GetString(configKeyLogDir)
	}

	return &result, nil
}

func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	v := vc.v
	if cfg.Properties != nil {
		v.Set(configKeyProperties, cfg.Properties)
	}
	if cfg.AutoProvision != nil {
		v.Set(configKeyAutoProvision, *cfg.AutoProvision)
	}
	if cfg.AutoProvisionUsesSudo != nil {
		v.Set(configKeyAutoProvisionUsesSudo, *cfg.AutoProvisionUsesSudo)
	}
	setIfNotEmpty(v, configKeyVerbosity, cfg.Verbosity)
	setIfNotEmpty(v, configKeyHashAlgorithm, cfg.HashAlgorithm)
	setIfNotEmpty(v, configKeyManifest, cfg.Manifest)
	return v.WriteConfig()
}

func envSet(key string) bool {
	return strings.TrimSpace(os.Getenv(key)) != ""
}

func setIfNotEmpty(v *viper.Viper, key string, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
