package engine

import (
	"fmt"
	"sort"
	"time"
)

// Tuning holds the game parameters. It can be replaced while the loop runs;
// costs already debited are never recomputed.
type Tuning struct {
	// MinerCost is the base price of a Miner.
	MinerCost int64

	// ProcessorCost is the base price of a Processor.
	ProcessorCost int64

	// CostStep is added to the base price once per live unit of the same kind.
	CostStep int64

	// CreditRate is the credits each link earns per tick.
	CreditRate int64

	// MaxLinksPerProcessor caps how many Miners one Processor pairs with. Zero is unlimited.
	MaxLinksPerProcessor int

	// Tick is the accrual cadence.
	Tick time.Duration

	// UpkeepPerUnit is drained per live unit every UpkeepInterval. Zero disables upkeep.
	UpkeepPerUnit int64

	// UpkeepInterval is the upkeep cadence.
	UpkeepInterval time.Duration

	// DeployTimeout bounds how long a unit may stay Pending, and how long an
	// unobserved Terminating unit waits for its removal event.
	DeployTimeout time.Duration

	// GoneRetention is how long Gone units remain visible in snapshots.
	GoneRetention time.Duration
}

// DefaultTuning returns the stock game parameters.
func DefaultTuning() Tuning {
	return Tuning{
		MinerCost:            50,
		ProcessorCost:        50,
		CostStep:             0,
		CreditRate:           1,
		MaxLinksPerProcessor: 3,
		Tick:                 time.Second,
		UpkeepPerUnit:        0,
		UpkeepInterval:       3 * time.Second,
		DeployTimeout:        60 * time.Second,
		GoneRetention:        5 * time.Minute,
	}
}

// Validate checks the tuning for values the loop cannot run with.
func (t Tuning) Validate() error {
	switch {
	case t.MinerCost < 0 || t.ProcessorCost < 0 || t.CostStep < 0:
		return NewValidationError("costs must not be negative", nil)
	case t.CreditRate < 0:
		return NewValidationError("credit rate must not be negative", nil)
	case t.MaxLinksPerProcessor < 0:
		return NewValidationError("max links per processor must not be negative", nil)
	case t.Tick <= 0:
		return NewValidationError(fmt.Sprintf("tick must be positive, got %s", t.Tick), nil)
	case t.UpkeepPerUnit < 0:
		return NewValidationError("upkeep must not be negative", nil)
	case t.UpkeepPerUnit > 0 && t.UpkeepInterval <= 0:
		return NewValidationError("upkeep interval must be positive when upkeep is enabled", nil)
	case t.DeployTimeout <= 0:
		return NewValidationError(fmt.Sprintf("deploy timeout must be positive, got %s", t.DeployTimeout), nil)
	}
	return nil
}

// Economy computes links, prices, accrual and upkeep. All methods are pure.
type Economy struct {
	tuning Tuning
}

// NewEconomy creates an economy with the given tuning.
func NewEconomy(t Tuning) *Economy {
	return &Economy{tuning: t}
}

// Tuning returns the active tuning.
func (e *Economy) Tuning() Tuning {
	return e.tuning
}

// Price returns the cost of deploying one more unit of kind given the live count of that kind.
func (e *Economy) Price(kind UnitKind, live int) int64 {
	base := e.tuning.MinerCost
	if kind == KindProcessor {
		base = e.tuning.ProcessorCost
	}
	return base + e.tuning.CostStep*int64(live)
}

// RatePerTick returns the credits earned per tick by links active links.
func (e *Economy) RatePerTick(links int) int64 {
	return e.tuning.CreditRate * int64(links)
}

// Accrue returns the credit delta for elapsed whole ticks with links active links.
// It is never negative.
func (e *Economy) Accrue(links int, ticks int64) int64 {
	if links <= 0 || ticks <= 0 {
		return 0
	}
	return e.RatePerTick(links) * ticks
}

// Upkeep returns the drain for one upkeep interval with live units.
func (e *Economy) Upkeep(live int) int64 {
	if e.tuning.UpkeepPerUnit <= 0 || live <= 0 {
		return 0
	}
	return e.tuning.UpkeepPerUnit * int64(live)
}

// RecomputeLinks derives the link set from scratch. A Miner pairs with the
// Running Processor whose live address equals its target address. Processors
// accept Miners in identifier order up to the per-processor cap. The result is
// sorted by processor then miner and depends only on its input.
func (e *Economy) RecomputeLinks(units []AstroUnit) []Link {
	processors := make(map[string][]AstroUnit)
	var miners []AstroUnit
	for _, u := range units {
		if u.Status != StatusRunning {
			continue
		}
		switch u.Kind {
		case KindProcessor:
			if u.Address != "" {
				processors[u.Address] = append(processors[u.Address], u)
			}
		case KindMiner:
			if u.TargetAddress != "" {
				miners = append(miners, u)
			}
		}
	}
	sort.Slice(miners, func(i, j int) bool { return miners[i].ID < miners[j].ID })

	var links []Link
	taken := make(map[string]int)
	for _, m := range miners {
		candidates := processors[m.TargetAddress]
		if len(candidates) == 0 {
			continue
		}
		// Two processors can report the same address while one is being replaced;
		// the lowest identifier with spare capacity wins.
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		for _, p := range candidates {
			if e.tuning.MaxLinksPerProcessor > 0 && taken[p.ID] >= e.tuning.MaxLinksPerProcessor {
				continue
			}
			taken[p.ID]++
			links = append(links, Link{MinerID: m.ID, ProcessorID: p.ID, Address: m.TargetAddress})
			break
		}
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].ProcessorID != links[j].ProcessorID {
			return links[i].ProcessorID < links[j].ProcessorID
		}
		return links[i].MinerID < links[j].MinerID
	})
	return links
}
