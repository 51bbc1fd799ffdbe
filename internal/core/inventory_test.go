package core

import (
	"testing"
	"time"
)

// stockResolver is a resolver supplied as a value with a Resolve method.
type stockResolver struct {
	level any
	calls int
}

func (r *stockResolver) Resolve(_ Subject, _ time.Time, _ map[string]any) any {
	r.calls++
	return r.level
}

// roomDesk exposes a non-standard method name for binding tests.
type roomDesk struct {
	level any
}

func (d *roomDesk) RemainingRooms(_ Subject, _ time.Time, _ map[string]any) any {
	return d.level
}

func (d *roomDesk) WrongShape(extra int) any { return extra }

func inventorySubject(class string) *testSubject {
	return &testSubject{defaultEffect: EffectDeny, class: class}
}

func TestInventoryGateThreshold(t *testing.T) {
	tests := []struct {
		name     string
		min      any
		resolved any
		want     bool
	}{
		{"level above min", 50, 100, true},
		{"level equal to min", 50, 50, true},
		{"level below min", 50, 49.5, false},
		{"boolean result used directly", 50, true, true},
		{"boolean false result", 0, false, false},
		{"string min coerced", "50", 60, true},
		{"negative min clamps to zero", -10, 0, true},
		{"zero min matches any non-negative level", 0, 0, true},
		{"non numeric min never matches", "lots", 100, false},
		{"missing min never matches", nil, 100, false},
		{"non numeric result never matches", 0, "plenty", false},
		{"nil result never matches", 0, nil, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			evaluator := NewInventoryGateEvaluator(InventoryGateConfig{
				Resolver: func(Subject, time.Time, map[string]any) any { return test.resolved },
			})

			config := map[string]any{}
			if test.min != nil {
				config["min"] = test.min
			}

			got := evaluator.Matches(config, time.Now(), inventorySubject("Venue"))
			if got != test.want {
				t.Fatalf("Matches() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestInventoryGateNoResolverNeverMatches(t *testing.T) {
	evaluator := NewInventoryGateEvaluator(InventoryGateConfig{})
	got := evaluator.Matches(map[string]any{"min": 0}, time.Now(), inventorySubject("Venue"))
	if got {
		t.Fatal("Matches() = true, want false without any resolver")
	}
}

func TestInventoryGateResolverSelectionOrder(t *testing.T) {
	mkResolver := func(level int) InventoryResolverFunc {
		return func(Subject, time.Time, map[string]any) any { return level }
	}

	evaluator := NewInventoryGateEvaluator(InventoryGateConfig{
		Resolver: mkResolver(100),
		Resolvers: map[string]any{
			"Venue": mkResolver(100),
			"*":     mkResolver(0),
		},
	})
	config := map[string]any{"min": 50}

	if got := evaluator.Matches(config, time.Now(), inventorySubject("Venue")); !got {
		t.Fatal("class-specific resolver should win over wildcard and global")
	}
	if got := evaluator.Matches(config, time.Now(), inventorySubject("Other")); got {
		t.Fatal("wildcard resolver should win over global for unlisted classes")
	}
}

func TestInventoryGateMemoizesPerClass(t *testing.T) {
	resolver := &stockResolver{level: 100}
	constructed := 0

	evaluator := NewInventoryGateEvaluator(InventoryGateConfig{
		Resolver: "stock",
		Catalog: map[string]func() any{
			"stock": func() any {
				constructed++
				return resolver
			},
		},
	})
	config := map[string]any{"min": 1}
	subject := inventorySubject("Venue")

	for i := 0; i < 5; i++ {
		if got := evaluator.Matches(config, time.Now(), subject); !got {
			t.Fatalf("Matches() call %d = false, want true", i)
		}
	}

	if constructed != 1 {
		t.Fatalf("catalog constructor ran %d times, want 1 (memoized per class)", constructed)
	}
	if resolver.calls != 5 {
		t.Fatalf("resolver invoked %d times, want 5", resolver.calls)
	}
}

func TestInventoryGateSubjectClassFallsBackToType(t *testing.T) {
	// A subject without a ClassName is keyed by its Go type.
	evaluator := NewInventoryGateEvaluator(InventoryGateConfig{
		Resolvers: map[string]any{
			"core.testSubject": func(Subject, time.Time, map[string]any) any { return 100 },
		},
	})

	subject := &testSubject{defaultEffect: EffectDeny}
	if got := evaluator.Matches(map[string]any{"min": 50}, time.Now(), subject); !got {
		t.Fatal("Matches() = false, want true via type-name resolver key")
	}
}
