package factory

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/free5gc/go-backhaul/internal/logger"
)

// ReadConfig loads and validates the configuration at path.
func ReadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(content, cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.CfgLog.Infof("Read config from [%s]", path)
	return cfg, nil
}
