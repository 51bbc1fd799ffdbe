package core

import "time"

// RuleTypeWeekdays matches on the ISO weekday of the moment.
const RuleTypeWeekdays = "weekdays"

// WeekdaysEvaluator matches when the moment's ISO weekday (1=Monday,
// 7=Sunday) appears in config "days". Entries that are not numeric or fall
// outside [1,7] are dropped; an empty effective set never matches.
type WeekdaysEvaluator struct{}

func (WeekdaysEvaluator) Matches(config map[string]any, moment time.Time, _ Subject) bool {
	days := intSet(config, "days", func(day int) bool { return day >= 1 && day <= 7 })
	if len(days) == 0 {
		return false
	}

	_, ok := days[isoWeekday(moment)]
	return ok
}

// isoWeekday maps Go's Sunday-based weekday to ISO numbering.
func isoWeekday(moment time.Time) int {
	if weekday := int(moment.Weekday()); weekday != 0 {
		return weekday
	}
	return 7
}
