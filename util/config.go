package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "deino"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int    `yaml:"httpPort"`
		SslDomain         string `yaml:"sslDomain"`
		FetchTimeoutSec   int    `yaml:"fetchTimeoutSec"`
		DeliverTimeoutSec int    `yaml:"deliverTimeoutSec"`
		FailThreshold     int    `yaml:"failThreshold"`
		CooldownMin       int    `yaml:"cooldownMin"`
		Workers           int    `yaml:"workers"`
		PageSize          int    `yaml:"pageSize"`
	}
}

// ReadConf loads config.yaml from the working directory, falling back to the
// embedded defaults, then applies DEINO_* environment overrides.
func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	buf, err := os.ReadFile(ConfigFileName)
	if err != nil {
		zap.S().Infof("Config file not found at %s, using embedded defaults", ConfigFileName)
		buf = embeddedConfig
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if v := os.Getenv("DEINO_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("DEINO_HTTPPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DEINO_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = p
	}
	if v := os.Getenv("DEINO_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("DEINO_WORKERS"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DEINO_WORKERS: %w", err)
		}
		c.Conf.Workers = p
	}
	if v := os.Getenv("DEINO_FAILTHRESHOLD"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DEINO_FAILTHRESHOLD: %w", err)
		}
		c.Conf.FailThreshold = p
	}

	applyDefaults(c)
	return c, nil
}

func applyDefaults(c *AppConfig) {
	if c.Conf.FetchTimeoutSec == 0 {
		c.Conf.FetchTimeoutSec = 10
	}
	if c.Conf.DeliverTimeoutSec == 0 {
		c.Conf.DeliverTimeoutSec = 30
	}
	if c.Conf.FailThreshold == 0 {
		c.Conf.FailThreshold = 5
	}
	if c.Conf.CooldownMin == 0 {
		c.Conf.CooldownMin = 15
	}
	if c.Conf.Workers == 0 {
		c.Conf.Workers = 4
	}
	if c.Conf.PageSize == 0 {
		c.Conf.PageSize = 20
	}
}
