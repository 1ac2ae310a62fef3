// Package config loads fishy settings from a YAML file, FISHY_* environment
// variables and bound command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config file lookup.
const (
	FileName  = "fishy"
	FileType  = "yaml"
	EnvPrefix = "FISHY"
)

// Setting keys.
const (
	KeyLogLevel            = "log_level"
	KeyLogFormat           = "log_format"
	KeyMetadataPath        = "metadata_path"
	KeyDeviceOffset        = "device.offset"
	KeyMFTSlackStartRecord = "ntfs.mft_slack_start_record"
)

// Config holds every setting of the tool.
type Config struct {
	LogLevel     string       `mapstructure:"log_level"`
	LogFormat    string       `mapstructure:"log_format"`
	MetadataPath string       `mapstructure:"metadata_path"`
	Device       DeviceConfig `mapstructure:"device"`
	NTFS         NTFSConfig   `mapstructure:"ntfs"`
}

// DeviceConfig describes where the filesystem starts inside the image.
type DeviceConfig struct {
	Offset int64 `mapstructure:"offset"`
}

// NTFSConfig holds NTFS technique settings.
type NTFSConfig struct {
	MFTSlackStartRecord uint64 `mapstructure:"mft_slack_start_record"`
}

// New returns a viper instance with defaults, search paths and environment
// binding set up. Files are read through fs.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName(FileName)
	v.SetConfigType(FileType)
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.fishy")
	v.AddConfigPath("/etc/fishy")

	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyMetadataPath, "")
	v.SetDefault(KeyDeviceOffset, 0)
	v.SetDefault(KeyMFTSlackStartRecord, 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. An explicit path
// must exist; without one a missing file in the search paths leaves the
// defaults in place.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Device.Offset < 0 {
		return nil, fmt.Errorf("invalid %s %d: must not be negative", KeyDeviceOffset, cfg.Device.Offset)
	}
	return &cfg, nil
}
