package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d := Default()
	if cfg.Game != d.Game || cfg.API != d.API {
		t.Errorf("Parse(nil) = %+v, want defaults", cfg)
	}
	if cfg.Game.StartingCredits != 100 || cfg.Game.MinerCost != 50 || cfg.Game.MaxLinksPerProcessor != 3 {
		t.Errorf("game defaults = %+v", cfg.Game)
	}
	if cfg.Cluster.Namespace != "default" {
		t.Errorf("namespace = %q", cfg.Cluster.Namespace)
	}
	if !cfg.Chaos.Enabled {
		t.Error("chaos disabled by default")
	}
}

func TestParseDisablesChaos(t *testing.T) {
	cfg, err := Parse([]byte("chaos:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Chaos.Enabled {
		t.Error("chaos.enabled: false ignored")
	}
	if cfg.Chaos.MinInterval != 20*time.Second {
		t.Errorf("min_interval = %s, want default 20s", cfg.Chaos.MinInterval)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cluster:
  namespace: game
  backoff_max: 2s
game:
  starting_credits: 500
  cost_step: 10
  tick: 250ms
chaos:
  enabled: true
  min_interval: 5s
  max_interval: 10s
  seed: 42
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Cluster.Namespace != "game" || cfg.Cluster.BackoffMax != 2*time.Second {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if cfg.Cluster.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default 3", cfg.Cluster.MaxRetries)
	}
	if cfg.Game.StartingCredits != 500 || cfg.Game.CostStep != 10 || cfg.Game.Tick != 250*time.Millisecond {
		t.Errorf("game = %+v", cfg.Game)
	}
	if cfg.Game.MinerCost != 50 {
		t.Errorf("miner_cost = %d, want default 50", cfg.Game.MinerCost)
	}
	if !cfg.Chaos.Enabled || cfg.Chaos.Seed != 42 {
		t.Errorf("chaos = %+v", cfg.Chaos)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Telemetry.Logging)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "game:\n  startng_credits: 5\n", "startng_credits"},
		{"negative cost", "game:\n  miner_cost: -1\n", "MinerCost"},
		{"zero tick", "game:\n  tick: 0s\n", "Tick"},
		{"chaos bounds inverted", "chaos:\n  min_interval: 30s\n  max_interval: 10s\n", "MaxInterval"},
		{"bad listen", "api:\n  listen: nowhere\n", "Listen"},
		{"missing template", "manifest:\n  template: /does/not/exist.yaml\n", "Template"},
		{"missing policy dir", "policy:\n  dir: /does/not/exist\n", "Dir"},
		{"negative retries", "cluster:\n  max_retries: -1\n", "max_retries"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "log level"},
		{"not yaml", "game: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Game.CostStep = 7
	cfg.Game.UpkeepPerUnit = 2
	cfg.Chaos.Seed = 9
	cfg.Cluster.Namespace = "game"
	cfg.Manifest.Command = []string{"sleep", "infinity"}

	tuning := cfg.Tuning()
	if tuning.CostStep != 7 || tuning.UpkeepPerUnit != 2 || tuning.Tick != cfg.Game.Tick {
		t.Errorf("Tuning() = %+v", tuning)
	}
	if err := tuning.Validate(); err != nil {
		t.Errorf("default tuning invalid: %v", err)
	}

	chaos := cfg.ChaosSchedule()
	if chaos.Seed != 9 || chaos.MinInterval != 20*time.Second || chaos.MaxInterval != time.Minute {
		t.Errorf("ChaosSchedule() = %+v", chaos)
	}

	opts := cfg.ManifestOptions()
	if opts.Namespace != "game" || len(opts.Command) != 2 || opts.TemplatePath != "" {
		t.Errorf("ManifestOptions() = %+v", opts)
	}
}

func TestLoad(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}

	cfg, err := Load("")
	if err != nil || cfg.Game.StartingCredits != 100 {
		t.Errorf("Load(\"\") = %+v, %v", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "cubeharvest.yaml")
	writeFile(t, path, "store:\n  path: journal.db\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Path != "journal.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	old := reloadDelay
	reloadDelay = 10 * time.Millisecond
	t.Cleanup(func() { reloadDelay = old })

	dir := t.TempDir()
	path := filepath.Join(dir, "cubeharvest.yaml")
	writeFile(t, path, "game:\n  credit_rate: 1\n")

	reloads := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) error {
			select {
			case reloads <- cfg:
			default:
			}
			return nil
		})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// The watch is registered asynchronously; keep writing until one lands.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloads:
			// A read racing the truncate sees defaults; wait for the new value.
			if cfg.Game.CreditRate == 5 {
				return
			}
		case <-tick.C:
			writeFile(t, path, "game:\n  credit_rate: 5\n")
		case <-deadline:
			t.Fatal("no reload after file change")
		}
	}
}

func TestWatchSkipsInvalidChanges(t *testing.T) {
	old := reloadDelay
	reloadDelay = 10 * time.Millisecond
	t.Cleanup(func() { reloadDelay = old })

	path := filepath.Join(t.TempDir(), "cubeharvest.yaml")
	writeFile(t, path, "game:\n  credit_rate: 1\n")

	reloads := make(chan *Config, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Watch(ctx, path, nil, func(cfg *Config) error {
			select {
			case reloads <- cfg:
			default:
			}
			return nil
		})
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	invalid := 0
	for {
		select {
		case cfg := <-reloads:
			if cfg.Game.CreditRate < 0 {
				t.Fatalf("applied invalid config with credit_rate = %d", cfg.Game.CreditRate)
			}
			if cfg.Game.CreditRate == 2 {
				return
			}
		case <-tick.C:
			// A few invalid writes first, then a valid one.
			if invalid < 3 {
				writeFile(t, path, "game:\n  credit_rate: -1\n")
				invalid++
			} else {
				writeFile(t, path, "game:\n  credit_rate: 2\n")
			}
		case <-deadline:
			t.Fatal("no reload after valid change")
		}
	}
}
