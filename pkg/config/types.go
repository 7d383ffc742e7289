package config

import (
	"time"

	"github.com/cubeharvest/cubeharvest/pkg/cluster"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Config is the complete cubeharvest configuration file.
type Config struct {
	// Cluster holds connection and retry settings.
	Cluster cluster.Config `yaml:"cluster"`

	// Game holds the economy tuning. It can be reloaded while running.
	Game GameConfig `yaml:"game"`

	// Chaos holds the chaos schedule. It can be reloaded while running.
	Chaos ChaosConfig `yaml:"chaos"`

	// Manifest selects the pod template and image.
	Manifest ManifestConfig `yaml:"manifest"`

	// Policy configures deploy admission.
	Policy PolicyConfig `yaml:"policy"`

	// Store configures the journal.
	Store StoreConfig `yaml:"store"`

	// API configures the presentation server.
	API APIConfig `yaml:"api"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// GameConfig is the economy tuning.
type GameConfig struct {
	// StartingCredits is the balance at startup. Read once.
	StartingCredits int64 `yaml:"starting_credits" validate:"gte=0"`

	// MinerCost is the base price of a Miner.
	MinerCost int64 `yaml:"miner_cost" validate:"gte=0"`

	// ProcessorCost is the base price of a Processor.
	ProcessorCost int64 `yaml:"processor_cost" validate:"gte=0"`

	// CostStep is added to the base price per live unit of the same kind.
	CostStep int64 `yaml:"cost_step" validate:"gte=0"`

	// CreditRate is earned per link per tick.
	CreditRate int64 `yaml:"credit_rate" validate:"gte=0"`

	// MaxLinksPerProcessor caps the Miners one Processor pairs with. Zero is unlimited.
	MaxLinksPerProcessor int `yaml:"max_links_per_processor" validate:"gte=0"`

	// Tick is the accrual cadence.
	Tick time.Duration `yaml:"tick" validate:"gt=0"`

	// UpkeepPerUnit is drained per live unit every UpkeepInterval. Zero disables upkeep.
	UpkeepPerUnit int64 `yaml:"upkeep_per_unit" validate:"gte=0"`

	// UpkeepInterval is the upkeep cadence.
	UpkeepInterval time.Duration `yaml:"upkeep_interval" validate:"gt=0"`

	// DeployTimeout bounds how long a unit may stay Pending.
	DeployTimeout time.Duration `yaml:"deploy_timeout" validate:"gt=0"`

	// GoneRetention is how long Gone units stay visible.
	GoneRetention time.Duration `yaml:"gone_retention" validate:"gt=0"`

	// LedgerHistory bounds the ledger entries kept in snapshots. Read once.
	LedgerHistory int `yaml:"ledger_history" validate:"gte=0"`
}

// ChaosConfig is the chaos schedule.
type ChaosConfig struct {
	// Enabled starts the chaos injector. On by default.
	Enabled bool `yaml:"enabled"`

	// MinInterval and MaxInterval bound the delay between firings.
	MinInterval time.Duration `yaml:"min_interval" validate:"gt=0"`
	MaxInterval time.Duration `yaml:"max_interval" validate:"gtefield=MinInterval"`

	// Seed makes firings reproducible. Zero seeds randomly.
	Seed uint64 `yaml:"seed"`
}

// ManifestConfig selects the pod template.
type ManifestConfig struct {
	// Template is a pod template path. Empty uses the embedded template.
	Template string `yaml:"template" validate:"omitempty,file"`

	// Image is the unit container image.
	Image string `yaml:"image"`

	// Command overrides the unit container command.
	Command []string `yaml:"command"`
}

// PolicyConfig configures deploy admission.
type PolicyConfig struct {
	// Dir holds extra .rego files evaluated alongside the built-in rules.
	Dir string `yaml:"dir" validate:"omitempty,dir"`

	// MaxUnits caps live units of every kind. Zero is unlimited.
	MaxUnits int `yaml:"max_units" validate:"gte=0"`

	// MaxUnitsPerNode caps live units per known node. Zero is unlimited.
	MaxUnitsPerNode int `yaml:"max_units_per_node" validate:"gte=0"`
}

// StoreConfig configures the SQLite journal.
type StoreConfig struct {
	// Path is the database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	// Listen is the server address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// RateLimit is the number of intents accepted per second. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// Burst is the intent burst size.
	Burst int `yaml:"burst" validate:"gte=0"`

	// StreamInterval is how often the websocket stream checks for a new snapshot.
	StreamInterval time.Duration `yaml:"stream_interval" validate:"gt=0"`
}
