package core

import (
	"sync"
	"time"
)

// RuleTypeInventoryGate matches on externally-resolved inventory levels.
const RuleTypeInventoryGate = "inventory_gate"

// InventoryGateEvaluator is the one evaluator allowed to consult external
// state. It resolves the subject's inventory through a resolver selected for
// the subject's class and matches when the resolved level clears config
// "min" (numeric, coerced from strings, negatives clamped to zero).
//
// A boolean resolver result is used directly; a numeric result matches when
// it is at least min; anything else never matches, as does a missing
// resolver or a non-numeric min. Resolver panics are host-owned failures and
// propagate to the caller.
//
// The class → resolver mapping is memoized for the evaluator's lifetime;
// flushing it means constructing a fresh evaluator.
type InventoryGateEvaluator struct {
	config InventoryGateConfig

	mu        sync.Mutex
	resolvers map[string]InventoryResolverFunc
}

// NewInventoryGateEvaluator creates an evaluator reading resolver definitions
// from the given configuration block.
func NewInventoryGateEvaluator(config InventoryGateConfig) *InventoryGateEvaluator {
	return &InventoryGateEvaluator{
		config:    config,
		resolvers: make(map[string]InventoryResolverFunc),
	}
}

func (e *InventoryGateEvaluator) Matches(config map[string]any, moment time.Time, subject Subject) bool {
	min, ok := asFloat(config["min"])
	if !ok {
		return false
	}
	if min < 0 {
		min = 0
	}

	resolver := e.resolverFor(subjectClass(subject))
	if resolver == nil {
		return false
	}

	switch result := resolver(subject, moment, config).(type) {
	case bool:
		return result
	default:
		level, ok := asFloat(result)
		return ok && level >= min
	}
}

func (e *InventoryGateEvaluator) resolverFor(class string) InventoryResolverFunc {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resolver, ok := e.resolvers[class]; ok {
		return resolver
	}

	resolver := e.config.normalizeFor(class)
	e.resolvers[class] = resolver
	return resolver
}
