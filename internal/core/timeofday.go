package core

import (
	"strconv"
	"strings"
	"time"
)

// RuleTypeTimeOfDay matches on a daily clock window.
const RuleTypeTimeOfDay = "time_of_day"

// TimeOfDayEvaluator matches when the moment's local clock falls inside the
// window [from, to] from config "from"/"to" (24-hour "HH:MM" or "HH:MM:SS").
// Equal bounds cover the whole day; from > to is an overnight window wrapping
// midnight, inclusive of both bounds. Missing or invalid bounds never match.
type TimeOfDayEvaluator struct{}

func (TimeOfDayEvaluator) Matches(config map[string]any, moment time.Time, _ Subject) bool {
	from, ok := clockSeconds(config["from"])
	if !ok {
		return false
	}
	to, ok := clockSeconds(config["to"])
	if !ok {
		return false
	}

	second := moment.Hour()*3600 + moment.Minute()*60 + moment.Second()

	switch {
	case from == to:
		return true
	case from < to:
		return from <= second && second <= to
	default:
		return second >= from || second <= to
	}
}

// clockSeconds parses "HH:MM" or "HH:MM:SS" into a second of day.
func clockSeconds(value any) (int, bool) {
	raw, ok := asString(value)
	if !ok {
		return 0, false
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, false
	}

	fields := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, false
		}
		fields[i] = n
	}

	hour, minute, second := fields[0], fields[1], fields[2]
	if hour > 23 || minute > 59 || second > 59 {
		return 0, false
	}

	return hour*3600 + minute*60 + second, true
}
