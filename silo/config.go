package silo

import (
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/jaym/goor/silo/internal/placement"
)

var ErrInvalidConfig = errors.New("invalid silo config")

// Seconds is a duration written as a (possibly fractional) number of
// seconds in config files.
type Seconds float64

func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

type Config struct {
	MaxWorkers            int     `yaml:"maxWorkers"`
	GrainInvokeTimeout    Seconds `yaml:"grainInvokeTimeout"`
	GrainActivateTimeout  Seconds `yaml:"grainActivateTimeout"`
	GrainDeactivateOnIdle Seconds `yaml:"grainDeactivateOnIdle"`
	IdleSweepInterval     Seconds `yaml:"idleSweepInterval"`
	TimerResolution       Seconds `yaml:"timerResolution"`
	LogLevel              string  `yaml:"logLevel"`
	Placement             string  `yaml:"placement"`
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:           runtime.NumCPU(),
		GrainInvokeTimeout:   30,
		GrainActivateTimeout: 30,
		IdleSweepInterval:    1,
		TimerResolution:      1,
		LogLevel:             "info",
		Placement:            placement.RoundRobinName,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return errors.WithDetailf(ErrInvalidConfig, "maxWorkers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.GrainInvokeTimeout <= 0 || c.GrainActivateTimeout <= 0 {
		return errors.WithDetail(ErrInvalidConfig, "grain timeouts must be positive")
	}
	if c.GrainDeactivateOnIdle < 0 || c.IdleSweepInterval < 0 || c.TimerResolution < 0 {
		return errors.WithDetail(ErrInvalidConfig, "idle settings must not be negative")
	}
	if _, err := placement.NewStrategy(c.Placement); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	return nil
}
