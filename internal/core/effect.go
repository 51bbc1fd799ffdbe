package core

import "fmt"

// Effect is the verdict a rule contributes when its evaluator matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Allows reports whether the effect grants availability.
func (e Effect) Allows() bool {
	return e == EffectAllow
}

// ParseEffect converts a stored string into an [Effect].
func ParseEffect(s string) (Effect, error) {
	switch Effect(s) {
	case EffectAllow:
		return EffectAllow, nil
	case EffectDeny:
		return EffectDeny, nil
	default:
		return "", fmt.Errorf("unknown effect %q", s)
	}
}
