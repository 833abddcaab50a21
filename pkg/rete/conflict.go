package rete

import (
	"sort"

	"go.uber.org/zap"
)

// ConflictStrategy selects how simultaneously-ready activations are
// ordered.
type ConflictStrategy int

const (
	StrategyPriority ConflictStrategy = iota
	StrategySalience
	StrategyRecency
	StrategySpecificity
	StrategyLexicographic
	StrategyCustom
)

// CustomComparator is a caller-provided ordering for StrategyCustom:
// negative means a sorts before b.
type CustomComparator func(a, b Activation) int

// ConflictResolverConfig configures a ConflictResolver.
type ConflictResolverConfig struct {
	Primary ConflictStrategy
	TieBreaker *ConflictStrategy
	Custom CustomComparator
	MaxConflictSetSize int
	// RuleNameOf resolves a RuleID to its Name for the Lexicographic
	// strategy.
	RuleNameOf func(RuleID) string
}

const defaultMaxConflictSetSize = 1000

// ConflictResolver orders a batch of Activations deterministically: a
// primary strategy, an optional secondary tiebreaker, and a final
// ascending-rule-id tiebreak that guarantees a total order even when
// every configured strategy ties.
type ConflictResolver struct {
	cfg ConflictResolverConfig
	logger *zap.Logger
}

// NewConflictResolver builds a resolver from cfg. logger may be nil.
func NewConflictResolver(cfg ConflictResolverConfig, logger *zap.Logger) *ConflictResolver {
	if cfg.MaxConflictSetSize <= 0 {
		cfg.MaxConflictSetSize = defaultMaxConflictSetSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{cfg: cfg, logger: logger}
}

// Resolve orders activations per the configured strategy, capping the
// result at MaxConflictSetSize and logging a warning for any dropped
// activations.
func (cr *ConflictResolver) Resolve(activations []Activation) []Activation {
	ordered := append([]Activation(nil), activations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return cr.less(ordered[i], ordered[j])
	})

	if len(ordered) <= cr.cfg.MaxConflictSetSize {
		return ordered
	}
	dropped := len(ordered) - cr.cfg.MaxConflictSetSize
	cr.logger.Warn("conflict set exceeded max size, dropping lowest-ordered activations",
		zap.Int("max_size", cr.cfg.MaxConflictSetSize), zap.Int("dropped", dropped))
	return ordered[:cr.cfg.MaxConflictSetSize]
}

func (cr *ConflictResolver) less(a, b Activation) bool {
	if c := cr.compareByStrategy(cr.cfg.Primary, a, b); c != 0 {
		return c < 0
	}
	if cr.cfg.TieBreaker != nil {
		if c := cr.compareByStrategy(*cr.cfg.TieBreaker, a, b); c != 0 {
			return c < 0
		}
	}
	return a.RuleID < b.RuleID
}

func (cr *ConflictResolver) compareByStrategy(s ConflictStrategy, a, b Activation) int {
	switch s {
	case StrategyPriority:
		return descendingInt32(a.Priority, b.Priority)
	case StrategySalience:
		return descendingInt32(a.Salience, b.Salience)
	case StrategyRecency:
		if a.TriggeredAt.After(b.TriggeredAt) {
			return -1
		}
		if a.TriggeredAt.Before(b.TriggeredAt) {
			return 1
		}
		return 0
	case StrategySpecificity:
		return descendingInt(a.Specificity, b.Specificity)
	case StrategyLexicographic:
		if cr.cfg.RuleNameOf == nil {
			return 0
		}
		an, bn := cr.cfg.RuleNameOf(a.RuleID), cr.cfg.RuleNameOf(b.RuleID)
		if an < bn {
			return -1
		}
		if an > bn {
			return 1
		}
		return 0
	case StrategyCustom:
		if cr.cfg.Custom == nil {
			return 0
		}
		return cr.cfg.Custom(a, b)
	default:
		return 0
	}
}

func descendingInt32(a, b int32) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}

func descendingInt(a, b int) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}
