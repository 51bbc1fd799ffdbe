package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// RuleTypeRRule matches on a recurrence rule.
const RuleTypeRRule = "rrule"

// RRuleEvaluator matches when the moment falls on an occurrence of the
// recurrence described by config "rrule", a semicolon-delimited list of
// KEY=VALUE pairs covering a pragmatic subset of RFC 5545: FREQ, INTERVAL,
// DTSTART, UNTIL, BYMONTH, BYMONTHDAY, BYDAY, BYHOUR, BYMINUTE and BYSECOND.
// BYWEEKNO and BYYEARDAY are recognized but not enforced. Config "tz"
// overrides the evaluation zone for this rule only.
//
// Unknown keys are ignored; anything structurally unusable (missing FREQ, an
// unknown frequency, unparseable DTSTART/UNTIL, a non-positive interval, an
// interval above one without an anchor) makes the rule never match.
type RRuleEvaluator struct{}

var rruleWeekdays = map[string]int{
	"MO": 1, "TU": 2, "WE": 3, "TH": 4, "FR": 5, "SA": 6, "SU": 7,
}

type rruleByDay struct {
	ordinal int // 0 means no ordinal
	weekday int // ISO 1..7
}

type rruleSpec struct {
	freq     string
	interval int

	dtstart    time.Time
	hasDTStart bool
	until      time.Time
	hasUntil   bool

	byMonth    map[int]struct{}
	byMonthDay []int
	byDay      []rruleByDay
	byHour     map[int]struct{}
	byMinute   map[int]struct{}
	bySecond   map[int]struct{}

	hasByMonth    bool
	hasByMonthDay bool
	hasByDay      bool
	hasByHour     bool
	hasByMinute   bool
	hasBySecond   bool
	hasByWeekNo   bool
	hasByYearDay  bool
}

func (RRuleEvaluator) Matches(config map[string]any, moment time.Time, _ Subject) bool {
	raw, ok := asString(config["rrule"])
	if !ok || strings.TrimSpace(raw) == "" {
		return false
	}

	loc := moment.Location()
	if tz, ok := asString(config["tz"]); ok && tz != "" {
		override, err := time.LoadLocation(tz)
		if err != nil {
			return false
		}
		loc = override
		moment = moment.In(loc)
	}

	spec, ok := parseRRule(raw, loc)
	if !ok {
		return false
	}

	return spec.matches(moment, loc)
}

func parseRRule(raw string, loc *time.Location) (rruleSpec, bool) {
	spec := rruleSpec{interval: 1}

	for _, pair := range strings.Split(raw, ";") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !found || key == "" {
			continue
		}

		switch key {
		case "FREQ":
			spec.freq = strings.ToUpper(value)
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return rruleSpec{}, false
			}
			spec.interval = n
		case "DTSTART":
			t, ok := parseRRuleTime(value, loc)
			if !ok {
				return rruleSpec{}, false
			}
			spec.dtstart = t
			spec.hasDTStart = true
		case "UNTIL":
			t, ok := parseRRuleTime(value, loc)
			if !ok {
				return rruleSpec{}, false
			}
			spec.until = t
			spec.hasUntil = true
		case "BYMONTH":
			spec.byMonth = parseRRuleIntSet(value, 1, 12)
			spec.hasByMonth = true
		case "BYMONTHDAY":
			spec.byMonthDay = parseRRuleMonthDays(value)
			spec.hasByMonthDay = true
		case "BYDAY":
			spec.byDay = parseRRuleByDay(value)
			spec.hasByDay = true
		case "BYHOUR":
			spec.byHour = parseRRuleIntSet(value, 0, 23)
			spec.hasByHour = true
		case "BYMINUTE":
			spec.byMinute = parseRRuleIntSet(value, 0, 59)
			spec.hasByMinute = true
		case "BYSECOND":
			spec.bySecond = parseRRuleIntSet(value, 0, 59)
			spec.hasBySecond = true
		case "BYWEEKNO":
			spec.hasByWeekNo = true
		case "BYYEARDAY":
			spec.hasByYearDay = true
		}
	}

	switch spec.freq {
	case "DAILY", "WEEKLY", "MONTHLY", "YEARLY":
		return spec, true
	default:
		return rruleSpec{}, false
	}
}

func (s rruleSpec) matches(moment time.Time, loc *time.Location) bool {
	if s.hasUntil && moment.After(s.until) {
		return false
	}

	if s.interval > 1 {
		if !s.hasDTStart || s.dtstart.After(moment) {
			return false
		}
		if !s.intervalAligned(moment, loc) {
			return false
		}
	}

	if s.hasByMonth {
		if _, ok := s.byMonth[int(moment.Month())]; !ok {
			return false
		}
	}

	if s.hasByMonthDay && !s.matchesMonthDay(moment) {
		return false
	}

	if s.hasByDay && !s.matchesByDay(moment) {
		return false
	}

	if s.hasByHour {
		if _, ok := s.byHour[moment.Hour()]; !ok {
			return false
		}
	}
	if s.hasByMinute {
		if _, ok := s.byMinute[moment.Minute()]; !ok {
			return false
		}
	}
	if s.hasBySecond {
		if _, ok := s.bySecond[moment.Second()]; !ok {
			return false
		}
	}

	return s.frequencyAnchored(moment, loc)
}

// intervalAligned reports whether the moment lands a whole multiple of the
// interval away from DTSTART in the frequency's unit.
func (s rruleSpec) intervalAligned(moment time.Time, loc *time.Location) bool {
	start := s.dtstart.In(loc)

	switch s.freq {
	case "DAILY":
		return daysBetween(start, moment)%s.interval == 0
	case "WEEKLY":
		return daysBetween(weekStart(start), weekStart(moment))/7%s.interval == 0
	case "MONTHLY":
		months := (moment.Year()-start.Year())*12 + int(moment.Month()) - int(start.Month())
		return months%s.interval == 0
	case "YEARLY":
		return (moment.Year()-start.Year())%s.interval == 0
	default:
		return false
	}
}

func (s rruleSpec) matchesMonthDay(moment time.Time) bool {
	day := moment.Day()
	last := daysInMonth(moment.Year(), moment.Month())

	for _, entry := range s.byMonthDay {
		if entry > 0 && day == entry {
			return true
		}
		if entry < 0 && day == last+entry+1 {
			return true
		}
	}
	return false
}

func (s rruleSpec) matchesByDay(moment time.Time) bool {
	weekday := isoWeekday(moment)

	for _, entry := range s.byDay {
		if entry.weekday != weekday {
			continue
		}
		if entry.ordinal == 0 || s.freq == "DAILY" || s.freq == "WEEKLY" {
			return true
		}
		if s.freq == "MONTHLY" && entry.ordinal == monthOrdinal(moment, entry.ordinal < 0) {
			return true
		}
		if s.freq == "YEARLY" && entry.ordinal == yearOrdinal(moment, entry.ordinal < 0) {
			return true
		}
	}
	return false
}

// frequencyAnchored applies the closing per-frequency check: monthly and
// yearly rules without BY* day constraints recur on DTSTART's calendar day.
func (s rruleSpec) frequencyAnchored(moment time.Time, loc *time.Location) bool {
	switch s.freq {
	case "MONTHLY":
		if s.hasByMonthDay || s.hasByDay {
			return true
		}
		if !s.hasDTStart {
			return false
		}
		return moment.Day() == s.dtstart.In(loc).Day()
	case "YEARLY":
		if s.hasByMonth || s.hasByWeekNo || s.hasByYearDay || s.hasByDay {
			return true
		}
		if !s.hasDTStart {
			return false
		}
		start := s.dtstart.In(loc)
		return moment.Month() == start.Month() && moment.Day() == start.Day()
	default:
		return true
	}
}

// parseRRuleTime parses UNTIL/DTSTART values, trying the iCalendar basic
// formats first, then ISO 8601 variants, then a permissive fallback.
func parseRRuleTime(value string, loc *time.Location) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}

	if compact, ok := strings.CutSuffix(value, "Z"); ok {
		if t, err := time.ParseInLocation("20060102T150405", compact, time.UTC); err == nil {
			return t, true
		}
	}
	for _, layout := range []string{"20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", dateLayout} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}

	t, err := dateparse.ParseIn(value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseRRuleIntSet(value string, min, max int) map[int]struct{} {
	set := make(map[int]struct{})
	for _, item := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || n < min || n > max {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}

func parseRRuleMonthDays(value string) []int {
	var days []int
	for _, item := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || n == 0 || n < -31 || n > 31 {
			continue
		}
		days = append(days, n)
	}
	return days
}

func parseRRuleByDay(value string) []rruleByDay {
	var entries []rruleByDay
	for _, item := range strings.Split(value, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if len(item) < 2 {
			continue
		}

		weekday, ok := rruleWeekdays[item[len(item)-2:]]
		if !ok {
			continue
		}

		ordinal := 0
		if prefix := item[:len(item)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 {
				continue
			}
			ordinal = n
		}

		entries = append(entries, rruleByDay{ordinal: ordinal, weekday: weekday})
	}
	return entries
}

// monthOrdinal is the occurrence index of the moment's weekday within its
// month, counted from the start (positive) or the end (negative).
func monthOrdinal(moment time.Time, fromEnd bool) int {
	if fromEnd {
		last := daysInMonth(moment.Year(), moment.Month())
		return -((last-moment.Day())/7 + 1)
	}
	return (moment.Day()-1)/7 + 1
}

// yearOrdinal is the occurrence index of the moment's weekday within its
// year, counted from the start (positive) or the end (negative).
func yearOrdinal(moment time.Time, fromEnd bool) int {
	if fromEnd {
		last := 365
		if isLeapYear(moment.Year()) {
			last = 366
		}
		return -((last-moment.YearDay())/7 + 1)
	}
	return (moment.YearDay()-1)/7 + 1
}

// daysBetween counts whole calendar days from a to b, ignoring time of day
// and DST transitions.
func daysBetween(a, b time.Time) int {
	aYear, aMonth, aDay := a.Date()
	bYear, bMonth, bDay := b.Date()
	aMidnight := time.Date(aYear, aMonth, aDay, 0, 0, 0, 0, time.UTC)
	bMidnight := time.Date(bYear, bMonth, bDay, 0, 0, 0, 0, time.UTC)
	return int(bMidnight.Sub(aMidnight) / (24 * time.Hour))
}

// weekStart returns the Monday of the moment's ISO week.
func weekStart(moment time.Time) time.Time {
	return moment.AddDate(0, 0, 1-isoWeekday(moment))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
