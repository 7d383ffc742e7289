package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cubeharvest/cubeharvest/pkg/cluster"
	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/manifest"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

var validate = validator.New()

// Default returns the stock configuration.
func Default() *Config {
	t := engine.DefaultTuning()
	return &Config{
		Cluster: cluster.DefaultConfig(),
		Game: GameConfig{
			StartingCredits:      100,
			MinerCost:            t.MinerCost,
			ProcessorCost:        t.ProcessorCost,
			CostStep:             t.CostStep,
			CreditRate:           t.CreditRate,
			MaxLinksPerProcessor: t.MaxLinksPerProcessor,
			Tick:                 t.Tick,
			UpkeepPerUnit:        t.UpkeepPerUnit,
			UpkeepInterval:       t.UpkeepInterval,
			DeployTimeout:        t.DeployTimeout,
			GoneRetention:        t.GoneRetention,
			LedgerHistory:        256,
		},
		Chaos: ChaosConfig{
			Enabled:     true,
			MinInterval: 20 * time.Second,
			MaxInterval: 60 * time.Second,
		},
		Manifest: ManifestConfig{
			Image: manifest.DefaultImage,
		},
		API: APIConfig{
			Listen:         ":8080",
			RateLimit:      10,
			Burst:          20,
			StreamInterval: 250 * time.Millisecond,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads and validates the configuration file at path. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}
	if err := c.Tuning().Validate(); err != nil {
		return fmt.Errorf("invalid game config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Tuning converts the game section for the loop.
func (c *Config) Tuning() engine.Tuning {
	g := c.Game
	return engine.Tuning{
		MinerCost:            g.MinerCost,
		ProcessorCost:        g.ProcessorCost,
		CostStep:             g.CostStep,
		CreditRate:           g.CreditRate,
		MaxLinksPerProcessor: g.MaxLinksPerProcessor,
		Tick:                 g.Tick,
		UpkeepPerUnit:        g.UpkeepPerUnit,
		UpkeepInterval:       g.UpkeepInterval,
		DeployTimeout:        g.DeployTimeout,
		GoneRetention:        g.GoneRetention,
	}
}

// ChaosSchedule converts the chaos section for the injector.
func (c *Config) ChaosSchedule() engine.ChaosConfig {
	return engine.ChaosConfig{
		MinInterval: c.Chaos.MinInterval,
		MaxInterval: c.Chaos.MaxInterval,
		Seed:        c.Chaos.Seed,
	}
}

// ManifestOptions converts the manifest section for the renderer.
func (c *Config) ManifestOptions() manifest.Options {
	return manifest.Options{
		TemplatePath: c.Manifest.Template,
		Image:        c.Manifest.Image,
		Command:      c.Manifest.Command,
		Namespace:    c.Cluster.Namespace,
	}
}
