package core

import (
	"testing"
	"time"
)

func TestDateRangeEvaluatorAbsolute(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		moment time.Time
		want   bool
	}{
		{
			name:   "inside range",
			config: map[string]any{"from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "start of first day inclusive",
			config: map[string]any{"from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "end of last day inclusive",
			config: map[string]any{"from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC),
			want:   true,
		},
		{
			name:   "day after range",
			config: map[string]any{"from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			want:   false,
		},
		{
			name:   "reversed bounds are swapped",
			config: map[string]any{"from": "2025-06-30", "to": "2025-06-01"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "non string kind defaults to absolute",
			config: map[string]any{"kind": 12, "from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "unknown kind defaults to absolute",
			config: map[string]any{"kind": "weekly", "from": "2025-06-01", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "unparseable from never matches",
			config: map[string]any{"from": "junk", "to": "2025-06-30"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   false,
		},
		{
			name:   "missing to never matches",
			config: map[string]any{"from": "2025-06-01"},
			moment: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			want:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DateRangeEvaluator{}.Matches(test.config, test.moment, nil)
			if got != test.want {
				t.Fatalf("Matches() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestDateRangeEvaluatorYearly(t *testing.T) {
	yearly := func(from, to string) map[string]any {
		return map[string]any{"kind": "yearly", "from": from, "to": to}
	}

	tests := []struct {
		name   string
		config map[string]any
		moment time.Time
		want   bool
	}{
		{
			name:   "inside forward range",
			config: yearly("06-01", "08-31"),
			moment: time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "boundaries inclusive",
			config: yearly("06-01", "08-31"),
			moment: time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "outside forward range",
			config: yearly("06-01", "08-31"),
			moment: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
			want:   false,
		},
		{
			name:   "wrap matches before year end",
			config: yearly("11-01", "02-28"),
			moment: time.Date(2024, 12, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "wrap matches after year start",
			config: yearly("11-01", "02-28"),
			moment: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
			want:   true,
		},
		{
			name:   "wrap excludes the gap",
			config: yearly("11-01", "02-28"),
			moment: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			want:   false,
		},
		{
			name:   "unparseable bound never matches",
			config: yearly("13-45", "02-28"),
			moment: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
			want:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DateRangeEvaluator{}.Matches(test.config, test.moment, nil)
			if got != test.want {
				t.Fatalf("Matches() = %t, want %t", got, test.want)
			}
		})
	}
}

// A yearly range depends only on month and day, never the year.
func TestDateRangeYearlyIgnoresYear(t *testing.T) {
	config := map[string]any{"kind": "yearly", "from": "06-01", "to": "08-31"}
	for year := 2020; year <= 2030; year++ {
		moment := time.Date(year, 7, 4, 12, 0, 0, 0, time.UTC)
		if got := (DateRangeEvaluator{}).Matches(config, moment, nil); !got {
			t.Fatalf("Matches(year %d) = false, want true", year)
		}
	}
}
