// Package config loads the broker configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/imdario/mergo"
)

// Config is the broker configuration, loaded from TOML. Zero values are
// filled in from defaults.
type Config struct {
	BrokerID string `toml:"broker_id"`
	Listen   string `toml:"listen"`
	Database string `toml:"database"`

	// PollInterval is the run manager tick, in seconds.
	PollInterval int `toml:"poll_interval"`

	AWS    AWSConfig     `toml:"aws"`
	SSH    SSHConfig     `toml:"ssh"`
	Heka   *HekaConfig   `toml:"heka"`
	Influx *InfluxConfig `toml:"influxdb"`
}

type AWSConfig struct {
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	KeyPair       string `toml:"key_pair"`
	SecurityGroup string `toml:"security_group"`
	OwnerID       string `toml:"owner_id"`
	UserDataFile  string `toml:"user_data_file"`
	// UseFilters defaults to true; only test stacks turn it off.
	UseFilters *bool    `toml:"use_filters"`
	Endpoint   string   `toml:"endpoint"`
	Regions    []string `toml:"regions"`
}

type SSHConfig struct {
	User    string `toml:"user"`
	KeyFile string `toml:"key_file"`
}

type HekaConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Secure bool   `toml:"secure"`
}

type InfluxConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Secure   bool   `toml:"secure"`
}

func defaultConfig() Config {
	return Config{
		BrokerID:     "1234",
		Listen:       "127.0.0.1:8080",
		Database:     "loads.db",
		PollInterval: 5,
		AWS: AWSConfig{
			KeyPair:       "loads",
			SecurityGroup: "loads",
		},
		SSH: SSHConfig{
			User: "core",
		},
	}
}

// Load reads the TOML file at path, merging defaults into unset fields. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FiltersEnabled reports whether tag filtering (and tagging) is on.
func (c *Config) FiltersEnabled() bool {
	return c.AWS.UseFilters == nil || *c.AWS.UseFilters
}

// UserData reads the configured cloud-init user data file, if any.
func (c *Config) UserData() (string, error) {
	if c.AWS.UserDataFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.AWS.UserDataFile)
	if err != nil {
		return "", fmt.Errorf("reading user data %s: %w", c.AWS.UserDataFile, err)
	}
	return string(data), nil
}
