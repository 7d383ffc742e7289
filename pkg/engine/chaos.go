package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// ChaosConfig controls the chaos schedule.
type ChaosConfig struct {
	// MinInterval and MaxInterval bound the delay drawn before each firing.
	MinInterval time.Duration
	MaxInterval time.Duration

	// Seed makes the schedule and target choice reproducible. Zero seeds randomly.
	Seed uint64
}

// ChaosOutcome describes what one firing did.
type ChaosOutcome string

const (
	ChaosDeleted  ChaosOutcome = "deleted"
	ChaosSkipped  ChaosOutcome = "skipped"
	ChaosNoTarget ChaosOutcome = "no-target"
	ChaosDegraded ChaosOutcome = "degraded"
	ChaosFailed   ChaosOutcome = "failed"
)

// Chaos deletes a random Running unit on a randomized schedule. It reads
// snapshots and submits delete intents; it never touches the world directly.
type Chaos struct {
	snapshots SnapshotSource
	submitter Submitter
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher

	mu  sync.Mutex
	cfg ChaosConfig
	rng *rand.Rand

	// wait is replaced in tests to avoid real sleeps.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewChaos creates a chaos injector. metrics and events may be nil.
func NewChaos(cfg ChaosConfig, snapshots SnapshotSource, submitter Submitter, log *telemetry.Logger,
	metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Chaos {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Chaos{
		snapshots: snapshots,
		submitter: submitter,
		log:       log.NewComponentLogger("chaos"),
		metrics:   metrics,
		events:    events,
		cfg:       normalizeChaos(cfg),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		wait:      sleepCtx,
	}
}

func normalizeChaos(cfg ChaosConfig) ChaosConfig {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 20 * time.Second
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	return cfg
}

// SetIntervals changes the schedule bounds. The next drawn interval uses them.
func (c *Chaos) SetIntervals(min, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MinInterval = min
	c.cfg.MaxInterval = max
	c.cfg = normalizeChaos(c.cfg)
}

// NextInterval draws a fresh delay uniformly from [MinInterval, MaxInterval].
func (c *Chaos) NextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	span := c.cfg.MaxInterval - c.cfg.MinInterval
	if span <= 0 {
		return c.cfg.MinInterval
	}
	return c.cfg.MinInterval + time.Duration(c.rng.Int64N(int64(span)+1))
}

// Run fires until ctx is done.
func (c *Chaos) Run(ctx context.Context) error {
	c.log.Info("chaos injector started")
	for {
		if !c.wait(ctx, c.NextInterval()) {
			return nil
		}
		c.Fire(ctx)
	}
}

// Fire performs one firing: pick a Running unit uniformly at random and submit
// its delete through the same path as a player delete. A target that has left
// Running by the time the intent is applied is skipped without retry.
func (c *Chaos) Fire(ctx context.Context) ChaosOutcome {
	snap := c.snapshots.Snapshot()
	outcome, unitID := c.fire(ctx, snap)

	c.metrics.RecordChaosFiring(string(outcome))
	_ = c.events.PublishChaosFired(unitID, string(outcome))
	if unitID != "" {
		c.log.WithField("unit_id", unitID).Infof("chaos fired: %s", outcome)
	} else {
		c.log.Debugf("chaos fired: %s", outcome)
	}
	return outcome
}

func (c *Chaos) fire(ctx context.Context, snap *Snapshot) (ChaosOutcome, string) {
	if snap == nil {
		return ChaosNoTarget, ""
	}
	if snap.Degraded {
		return ChaosDegraded, ""
	}
	running := snap.UnitsWithStatus(StatusRunning)
	if len(running) == 0 {
		return ChaosNoTarget, ""
	}

	c.mu.Lock()
	target := running[c.rng.IntN(len(running))]
	c.mu.Unlock()

	ack, err := c.submitter.Submit(ctx, Intent{Type: IntentDelete, UnitID: target.ID, Origin: OriginChaos})
	switch {
	case err != nil:
		if IsUnavailable(err) {
			return ChaosDegraded, target.ID
		}
		c.log.WithError(err).Warn("chaos delete rejected")
		return ChaosFailed, target.ID
	case ack.Status == AckSkipped:
		return ChaosSkipped, target.ID
	default:
		return ChaosDeleted, target.ID
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
