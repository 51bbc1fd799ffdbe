package core

import "time"

// EngineConfig is the construction-time configuration for the engine and its
// registry. It is passed explicitly rather than read from process-wide state
// so tests and hosts stay isolated.
type EngineConfig struct {
	// DefaultEffect is the fallback verdict for subjects without one.
	DefaultEffect Effect
	// DefaultTimezone is the zone for subjects without one; empty means the
	// process-default zone.
	DefaultTimezone string
	// RuleTypes maps rule-type names to registry definitions. Nil installs
	// the built-in evaluator set.
	RuleTypes map[string]any
	// InventoryGate configures the inventory resolver selection.
	InventoryGate InventoryGateConfig
}

// BuiltinRuleTypes returns registry definitions for the built-in evaluators.
// The inventory gate is registered as a constructor so its resolver cache is
// created on first use and shared afterwards.
func BuiltinRuleTypes(inventory InventoryGateConfig) map[string]any {
	return map[string]any{
		RuleTypeWeekdays:      WeekdaysEvaluator{},
		RuleTypeMonthsOfYear:  MonthsOfYearEvaluator{},
		RuleTypeBlackoutDates: BlackoutDateEvaluator{},
		RuleTypeTimeOfDay:     TimeOfDayEvaluator{},
		RuleTypeDateRange:     DateRangeEvaluator{},
		RuleTypeRRule:         RRuleEvaluator{},
		RuleTypeInventoryGate: func() Evaluator { return NewInventoryGateEvaluator(inventory) },
	}
}

// Build assembles a registry and engine from the configuration.
func (c EngineConfig) Build(opts ...EngineOption) (*Engine, *Registry, error) {
	ruleTypes := c.RuleTypes
	if ruleTypes == nil {
		ruleTypes = BuiltinRuleTypes(c.InventoryGate)
	}

	registry := NewRegistry()
	for ruleType, definition := range ruleTypes {
		registry.Register(ruleType, definition)
	}

	if c.DefaultTimezone != "" {
		loc, err := time.LoadLocation(c.DefaultTimezone)
		if err != nil {
			return nil, nil, err
		}
		opts = append([]EngineOption{WithDefaultLocation(loc)}, opts...)
	}

	return NewEngine(registry, opts...), registry, nil
}

// EffectOrDefault returns the configured default effect, denying when unset.
func (c EngineConfig) EffectOrDefault() Effect {
	if c.DefaultEffect == EffectAllow {
		return EffectAllow
	}
	return EffectDeny
}
