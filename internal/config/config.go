package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the clhost configuration file.
type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Format    string `yaml:"format"`
	} `yaml:"logger"`
	Driver driver.Config `yaml:"driver"`
	Device struct {
		Platform int               `yaml:"platform"`
		Type     driver.DeviceType `yaml:"type"`
		Index    int               `yaml:"index"`
	} `yaml:"device"`
	Queue struct {
		OutOfOrder bool `yaml:"outOfOrder"`
		Profiling  bool `yaml:"profiling"`
	} `yaml:"queue"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// PipelineConfig shapes the iterative add_scalar pipeline.
type PipelineConfig struct {
	Iterations  int     `yaml:"iterations"`
	DataSetSize int     `yaml:"dataSetSize"`
	Addend      float32 `yaml:"addend"`
	// Seed values are drawn from [0, SeedMax).
	SeedMax int   `yaml:"seedMax"`
	Seed    int64 `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Logger.Format = "json"
	cfg.Driver.Name = driver.SoftDriverName
	cfg.Driver.Fallback = true
	cfg.Driver.Soft.CallbackWorkers = 2
	cfg.Device.Type = driver.DeviceTypeAll
	cfg.Pipeline = PipelineConfig{
		Iterations:  8,
		DataSetSize: 1 << 20,
		Addend:      11,
		SeedMax:     500,
		Seed:        1,
	}
	return cfg
}

// LoadConfig reads the YAML file at path on top of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate reports every out-of-range value in c.
func (c *Config) Validate() error {
	var errs []error
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logger.format: unknown format %q", c.Logger.Format))
	}
	if c.Device.Platform < 0 {
		errs = append(errs, errors.New("device.platform: must not be negative"))
	}
	if c.Device.Type == 0 {
		errs = append(errs, errors.New("device.type: must be set"))
	}
	if c.Driver.Soft.CallbackWorkers < 0 {
		errs = append(errs, errors.New("driver.soft.callbackWorkers: must not be negative"))
	}
	for i, p := range c.Driver.Soft.Platforms {
		if len(p.Devices) == 0 {
			errs = append(errs, fmt.Errorf("driver.soft.platforms[%d]: no devices", i))
		}
	}

	p := c.Pipeline
	if p.Iterations < 1 {
		errs = append(errs, errors.New("pipeline.iterations: must be at least 1"))
	}
	if p.DataSetSize < 1 {
		errs = append(errs, errors.New("pipeline.dataSetSize: must be at least 1"))
	}
	if p.SeedMax < 1 {
		errs = append(errs, errors.New("pipeline.seedMax: must be at least 1"))
	}
	return multierr.Combine(errs...)
}
