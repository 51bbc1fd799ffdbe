package core

import "time"

// RuleTypeDateRange matches on an absolute or yearly-recurring date span.
const RuleTypeDateRange = "date_range"

const monthDayLayout = "01-02"

// DateRangeEvaluator matches when the moment's local date falls inside the
// range described by config "from"/"to".
//
// With kind "absolute" (the default), bounds are YYYY-MM-DD dates in the
// moment's zone; a reversed range is swapped, and the match is inclusive from
// the start of the first day through the end of the last. With kind "yearly",
// bounds are MM-DD and the range recurs every year, wrapping across the year
// end when from > to.
type DateRangeEvaluator struct{}

func (DateRangeEvaluator) Matches(config map[string]any, moment time.Time, _ Subject) bool {
	kind, _ := asString(config["kind"])
	if kind == "yearly" {
		return matchesYearlyRange(config, moment)
	}
	return matchesAbsoluteRange(config, moment)
}

func matchesAbsoluteRange(config map[string]any, moment time.Time) bool {
	from, ok := configDate(config, "from", moment.Location())
	if !ok {
		return false
	}
	to, ok := configDate(config, "to", moment.Location())
	if !ok {
		return false
	}

	fromKey, toKey := absoluteDateKey(from), absoluteDateKey(to)
	if fromKey > toKey {
		fromKey, toKey = toKey, fromKey
	}

	momentKey := absoluteDateKey(moment)
	return fromKey <= momentKey && momentKey <= toKey
}

func matchesYearlyRange(config map[string]any, moment time.Time) bool {
	fromKey, ok := configMonthDayKey(config, "from")
	if !ok {
		return false
	}
	toKey, ok := configMonthDayKey(config, "to")
	if !ok {
		return false
	}

	momentKey := monthDayKey(int(moment.Month()), moment.Day())
	if fromKey <= toKey {
		return fromKey <= momentKey && momentKey <= toKey
	}
	// Wraps across the year end, e.g. 11-01 through 02-28.
	return momentKey >= fromKey || momentKey <= toKey
}

func configDate(config map[string]any, key string, loc *time.Location) (time.Time, bool) {
	raw, ok := asString(config[key])
	if !ok {
		return time.Time{}, false
	}
	date, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

func configMonthDayKey(config map[string]any, key string) (int, bool) {
	raw, ok := asString(config[key])
	if !ok {
		return 0, false
	}
	parsed, err := time.Parse(monthDayLayout, raw)
	if err != nil {
		return 0, false
	}
	return monthDayKey(int(parsed.Month()), parsed.Day()), true
}

func absoluteDateKey(t time.Time) int {
	year, month, day := t.Date()
	return year*10000 + int(month)*100 + day
}

// monthDayKey encodes a month and day so Dec 31 is 1231 and Jan 1 is 101.
func monthDayKey(month, day int) int {
	return month*100 + day
}
