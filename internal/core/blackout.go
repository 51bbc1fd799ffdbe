package core

import "time"

// RuleTypeBlackoutDates matches on specific local calendar dates.
const RuleTypeBlackoutDates = "blackout_dates"

const dateLayout = "2006-01-02"

// BlackoutDateEvaluator matches when the moment's local calendar date equals
// any date in config "dates" (strings, YYYY-MM-DD, parsed in the moment's
// zone). Time of day is ignored. Unparseable entries are dropped.
type BlackoutDateEvaluator struct{}

func (BlackoutDateEvaluator) Matches(config map[string]any, moment time.Time, _ Subject) bool {
	items, ok := asSlice(config["dates"])
	if !ok {
		return false
	}

	year, month, day := moment.Date()
	for _, item := range items {
		raw, ok := asString(item)
		if !ok || raw == "" {
			continue
		}
		date, err := time.ParseInLocation(dateLayout, raw, moment.Location())
		if err != nil {
			continue
		}
		dYear, dMonth, dDay := date.Date()
		if dYear == year && dMonth == month && dDay == day {
			return true
		}
	}

	return false
}
