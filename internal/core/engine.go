package core

import "time"

// Engine folds a subject's availability rules into a single allow/deny answer
// for a moment in time. Conflict resolution is last-match-wins: rules are
// visited in priority-ascending order and each match replaces the running
// effect, so broad low-priority bands are overridden by narrow high-priority
// ones.
type Engine struct {
	registry        *Registry
	defaultLocation *time.Location
	onEvaluation    func(available bool)
	onRuleMatch     func(ruleType string)
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithDefaultLocation sets the zone used for subjects without a timezone.
func WithDefaultLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.defaultLocation = loc
		}
	}
}

// WithEvaluationHook registers a callback invoked with each final verdict.
func WithEvaluationHook(fn func(available bool)) EngineOption {
	return func(e *Engine) { e.onEvaluation = fn }
}

// WithRuleMatchHook registers a callback invoked for each matching rule.
func WithRuleMatchHook(fn func(ruleType string)) EngineOption {
	return func(e *Engine) { e.onRuleMatch = fn }
}

// NewEngine creates an engine evaluating rules against the given registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:        registry,
		defaultLocation: time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsAvailable reports whether the subject is available at the given moment.
//
// The moment is re-expressed in the subject's zone (same instant, different
// wall clock) before any evaluator sees it; the caller's value is never
// modified. Rules whose type has no resolvable evaluator are skipped, and a
// non-mapping config reaches evaluators as an empty mapping.
func (e *Engine) IsAvailable(subject Subject, moment time.Time) bool {
	localMoment := moment.In(e.subjectLocation(subject))

	state := subject.DefaultEffect().Allows()
	for _, rule := range subject.AvailabilityRules() {
		evaluator := e.registry.Get(rule.Type)
		if evaluator == nil {
			continue
		}

		config := rule.Config
		if config == nil {
			config = map[string]any{}
		}

		if evaluator.Matches(config, localMoment, subject) {
			state = rule.Effect.Allows()
			if e.onRuleMatch != nil {
				e.onRuleMatch(rule.Type)
			}
		}
	}

	if e.onEvaluation != nil {
		e.onEvaluation(state)
	}
	return state
}

func (e *Engine) subjectLocation(subject Subject) *time.Location {
	name := subject.Timezone()
	if name == "" {
		return e.defaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return e.defaultLocation
	}
	return loc
}
