package timeparse

import (
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"

	"github.com/user/calclaw/internal/types"
)

const op = "timeparse.normalize"

// dateMode controls what a date without a time of day resolves to.
type dateMode int

const (
	startOfDay dateMode = iota
	endOfDay
	requireClock
)

type options struct {
	mode dateMode
}

// Option adjusts how Normalize treats partial expressions.
type Option func(*options)

// EndOfDay resolves date-only expressions to the last instant of that day,
// which is what an inclusive range end wants.
func EndOfDay() Option {
	return func(o *options) { o.mode = endOfDay }
}

// RequireClock rejects date-only expressions. Use it where a concrete
// time of day is needed, such as a booking start.
func RequireClock() Option {
	return func(o *options) { o.mode = requireClock }
}

var absoluteLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var vagueWords = map[string]bool{
	"later": true, "soon": true, "sometime": true, "whenever": true,
	"asap": true, "eventually": true, "someday": true,
}

var fillers = map[string]bool{
	"at": true, "on": true, "the": true, "of": true, "around": true,
	"about": true, "for": true, "by": true,
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// unit is an offset step: either elapsed time or whole calendar days.
type unit struct {
	d    time.Duration
	days int
}

var units = map[string]unit{
	"minute": {d: time.Minute}, "minutes": {d: time.Minute}, "min": {d: time.Minute}, "mins": {d: time.Minute},
	"hour": {d: time.Hour}, "hours": {d: time.Hour}, "hr": {d: time.Hour}, "hrs": {d: time.Hour},
	"day": {days: 1}, "days": {days: 1},
	"week": {days: 7}, "weeks": {days: 7},
}

// maxOffsetDays bounds "in N <unit>" to roughly ten years.
const maxOffsetDays = 3660

// Normalize resolves expr against ref in loc and returns the instant in UTC.
// A nil loc means UTC.
func Normalize(expr string, ref time.Time, loc *time.Location, opts ...Option) (time.Time, error) {
	o := options{mode: startOfDay}
	for _, opt := range opts {
		opt(&o)
	}
	if loc == nil {
		loc = time.UTC
	}
	ref = ref.In(loc)

	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, types.Errorf(types.KindAmbiguousTime, op, "no date or time given")
	}

	if t, ok, err := parseAbsolute(s, loc, o); err != nil {
		return time.Time{}, err
	} else if ok {
		return t.UTC(), nil
	}

	p := &phrase{ref: ref, loc: loc, cal: &now.Config{WeekStartDay: time.Monday, TimeLocation: loc}}
	if err := p.scan(tokenize(s)); err != nil {
		return time.Time{}, err
	}
	t, err := p.resolve(o)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseAbsolute(s string, loc *time.Location, o options) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		switch o.mode {
		case endOfDay:
			return now.With(t).EndOfDay(), true, nil
		case requireClock:
			return time.Time{}, false, types.Errorf(types.KindAmbiguousTime, op, "no time of day given for %s", s)
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("a.m.", "am", "p.m.", "pm", ",", " ", "o'clock", "").Replace(s)
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	return strings.Fields(s)
}

// civil is a calendar date without a zone.
type civil struct {
	year  int
	month time.Month
	day   int
}

type clock struct {
	hour, minute int
	// bare is set for an hour from 1 to 12 given without am/pm or minutes.
	bare bool
	// soft is set for h:mm with h from 1 to 12; am/pm must follow.
	soft bool
}

type phrase struct {
	ref time.Time
	loc *time.Location
	cal *now.Config

	date      *civil
	clock     *clock
	offset    time.Duration
	offDays   int
	hasOffset bool
	isNow     bool
	meridiem  string
	partOfDay string

	// A bare weekday moves a week ahead, and a month/day without a year
	// moves a year ahead, when it has already passed.
	rollWeek bool
	rollYear bool
}

func (p *phrase) ambiguous(format string, args ...any) error {
	return types.Errorf(types.KindAmbiguousTime, op, format, args...)
}

func (p *phrase) setDate(t time.Time) error {
	if p.date != nil {
		return p.ambiguous("more than one date given")
	}
	p.date = &civil{year: t.Year(), month: t.Month(), day: t.Day()}
	return nil
}

func (p *phrase) setClock(c clock) error {
	if p.clock != nil {
		return p.ambiguous("more than one time of day given")
	}
	p.clock = &c
	return nil
}

func (p *phrase) day(offset int) time.Time {
	return time.Date(p.ref.Year(), p.ref.Month(), p.ref.Day()+offset, 0, 0, 0, 0, p.loc)
}

func (p *phrase) scan(toks []string) error {
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		next := ""
		if i+1 < len(toks) {
			next = toks[i+1]
		}

		switch {
		case vagueWords[tok]:
			return p.ambiguous("%q does not name a date or time", tok)

		case tok == "now":
			p.isNow = true

		case tok == "today":
			if err := p.setDate(p.day(0)); err != nil {
				return err
			}

		case tok == "tonight":
			if err := p.setDate(p.day(0)); err != nil {
				return err
			}
			p.meridiem, p.partOfDay = "pm", tok

		case tok == "tomorrow":
			if err := p.setDate(p.day(1)); err != nil {
				return err
			}

		case tok == "yesterday":
			if err := p.setDate(p.day(-1)); err != nil {
				return err
			}

		case tok == "day" && next == "after" && i+2 < len(toks) && toks[i+2] == "tomorrow":
			if err := p.setDate(p.day(2)); err != nil {
				return err
			}
			i += 2

		case tok == "next" || tok == "this":
			if err := p.scanRelative(tok, next); err != nil {
				return err
			}
			i++

		case tok == "in" && next == "the":
			// "in the afternoon"; the part of day follows.
			i++

		case tok == "in":
			n, ok, err := p.scanOffset(toks[i+1:])
			if err != nil {
				return err
			}
			if !ok {
				return p.ambiguous("could not understand %q", strings.Join(toks[i:], " "))
			}
			i += n

		case isWeekday(tok):
			if err := p.setDate(p.nextWeekday(weekdays[tok])); err != nil {
				return err
			}
			p.rollWeek = true

		case isMonth(tok):
			n, err := p.scanMonthDay(toks[i:])
			if err != nil {
				return err
			}
			i += n - 1

		case tok == "noon" || tok == "midday":
			if err := p.setClock(clock{hour: 12}); err != nil {
				return err
			}

		case tok == "midnight":
			if err := p.setClock(clock{hour: 0}); err != nil {
				return err
			}

		case tok == "am" || tok == "pm":
			if p.clock == nil || !(p.clock.bare || p.clock.soft) {
				return p.ambiguous("%q without an hour", tok)
			}
			p.meridiem = tok

		case tok == "morning":
			p.meridiem, p.partOfDay = "am", tok

		case tok == "afternoon" || tok == "evening" || tok == "night":
			p.meridiem, p.partOfDay = "pm", tok

		case fillers[tok]:

		default:
			j := i + 1
			if next == "of" {
				j++
			}
			if day, ok := ordinal(tok); ok && j < len(toks) && isMonth(toks[j]) {
				n, err := p.scanMonthDay(append([]string{toks[j], strconv.Itoa(day)}, toks[j+1:]...))
				if err != nil {
					return err
				}
				i = j + n - 2
				continue
			}
			n, ok, err := p.scanAgo(toks[i:])
			if err != nil {
				return err
			}
			if ok {
				i += n - 1
				continue
			}
			c, ok := parseClock(tok)
			if !ok {
				return p.ambiguous("could not understand %q", tok)
			}
			if err := p.setClock(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanRelative handles "next <x>" and "this <x>".
func (p *phrase) scanRelative(word, target string) error {
	switch {
	case target == "week":
		start := p.cal.With(p.ref).BeginningOfWeek()
		if word == "next" {
			start = start.AddDate(0, 0, 7)
		}
		return p.setDate(start)

	case target == "month":
		start := p.cal.With(p.ref).BeginningOfMonth()
		if word == "next" {
			start = start.AddDate(0, 1, 0)
		}
		return p.setDate(start)

	case isWeekday(target):
		monday := p.cal.With(p.ref).BeginningOfWeek()
		if word == "next" {
			monday = monday.AddDate(0, 0, 7)
		}
		delta := (int(weekdays[target]) - int(time.Monday) + 7) % 7
		return p.setDate(monday.AddDate(0, 0, delta))
	}
	return p.ambiguous("could not understand %q", word+" "+target)
}

// scanOffset parses "<n> <unit>" after "in". It returns how many tokens it
// consumed.
func (p *phrase) scanOffset(toks []string) (int, bool, error) {
	if len(toks) < 2 {
		return 0, false, nil
	}
	n, ok := count(toks[0])
	if !ok {
		return 0, false, nil
	}
	u, ok := units[toks[1]]
	if !ok {
		return 0, false, nil
	}
	if p.hasOffset {
		return 0, false, nil
	}
	if u.days > 0 {
		if n > maxOffsetDays/u.days {
			return 0, false, tooFar(toks[:2])
		}
		p.offDays = n * u.days
	} else {
		if int64(n) > int64(maxOffsetDays*24*time.Hour/u.d) {
			return 0, false, tooFar(toks[:2])
		}
		p.offset = time.Duration(n) * u.d
	}
	p.hasOffset = true
	return 2, true, nil
}

func tooFar(toks []string) error {
	return types.Errorf(types.KindValidation, op, "%q is too far away; times more than about ten years out are not supported", strings.Join(toks, " "))
}

// scanAgo parses "<n> <unit> from now".
func (p *phrase) scanAgo(toks []string) (int, bool, error) {
	if len(toks) < 4 || toks[2] != "from" || toks[3] != "now" {
		return 0, false, nil
	}
	n, ok, err := p.scanOffset(toks[:2])
	if !ok {
		return 0, false, err
	}
	return n + 2, true, nil
}

// scanMonthDay parses "<month> <day> [year]" and returns the tokens used.
func (p *phrase) scanMonthDay(toks []string) (int, error) {
	m := months[toks[0]]
	if len(toks) < 2 {
		return 0, p.ambiguous("%q without a day", toks[0])
	}
	day, ok := ordinal(toks[1])
	if !ok || day < 1 || day > 31 {
		return 0, p.ambiguous("%q without a day", toks[0])
	}
	used := 2
	year := p.ref.Year()
	explicitYear := false
	if len(toks) > 2 {
		if y, err := strconv.Atoi(toks[2]); err == nil && y >= 1000 && y <= 9999 {
			year = y
			explicitYear = true
			used = 3
		}
	}
	d := time.Date(year, m, day, 0, 0, 0, 0, p.loc)
	if d.Month() != m {
		return 0, p.ambiguous("%s %d is not a date", m, day)
	}
	if err := p.setDate(d); err != nil {
		return 0, err
	}
	p.rollYear = !explicitYear
	return used, nil
}

func (p *phrase) nextWeekday(wd time.Weekday) time.Time {
	delta := (int(wd) - int(p.ref.Weekday()) + 7) % 7
	return p.day(delta)
}

func (p *phrase) resolve(o options) (time.Time, error) {
	if p.clock == nil && p.partOfDay != "" {
		return time.Time{}, p.ambiguous("%q needs a time of day", p.partOfDay)
	}
	if p.clock != nil && (p.clock.bare || p.clock.soft) {
		switch p.meridiem {
		case "am":
			if p.clock.hour == 12 {
				p.clock.hour = 0
			}
		case "pm":
			if p.clock.hour < 12 {
				p.clock.hour += 12
			}
		default:
			if p.clock.bare {
				return time.Time{}, p.ambiguous("%d could be am or pm", p.clock.hour)
			}
			return time.Time{}, p.ambiguous("%d:%02d could be am or pm", p.clock.hour, p.clock.minute)
		}
		p.clock.bare, p.clock.soft = false, false
	}

	if p.hasOffset {
		if p.date != nil || p.isNow {
			return time.Time{}, p.ambiguous("both a date and a relative offset given")
		}
		if p.offset != 0 {
			if p.clock != nil {
				return time.Time{}, p.ambiguous("both a time of day and an offset in hours given")
			}
			return p.ref.Add(p.offset), nil
		}
		// Day and week offsets move the calendar date and keep the wall clock.
		if p.clock == nil {
			return p.ref.AddDate(0, 0, p.offDays), nil
		}
		return p.at(civil{p.ref.Year(), p.ref.Month(), p.ref.Day() + p.offDays}), nil
	}

	if p.isNow {
		if p.date != nil || p.clock != nil {
			return time.Time{}, p.ambiguous("\"now\" combined with another date or time")
		}
		return p.ref, nil
	}

	switch {
	case p.date == nil && p.clock == nil:
		return time.Time{}, p.ambiguous("no date or time given")

	case p.date == nil:
		t := p.at(civil{p.ref.Year(), p.ref.Month(), p.ref.Day()})
		if !t.After(p.ref) {
			t = p.at(civil{p.ref.Year(), p.ref.Month(), p.ref.Day() + 1})
		}
		return t, nil

	case p.clock == nil:
		d := p.rolled(time.Date(p.date.year, p.date.month, p.date.day, 0, 0, 0, 0, p.loc), true)
		switch o.mode {
		case requireClock:
			return time.Time{}, p.ambiguous("no time of day given for %s", d.Format("Monday, January 2"))
		case endOfDay:
			return now.With(d).EndOfDay(), nil
		}
		return d, nil
	}

	return p.rolled(p.at(*p.date), false), nil
}

// rolled moves a bare weekday or a year-less month/day into the future when
// the resolved instant has already passed.
func (p *phrase) rolled(t time.Time, dateOnly bool) time.Time {
	past := t.Before(p.ref)
	if dateOnly {
		past = t.Before(p.day(0))
	}
	if !past {
		return t
	}
	switch {
	case p.rollWeek:
		return t.AddDate(0, 0, 7)
	case p.rollYear:
		return t.AddDate(1, 0, 0)
	}
	return t
}

func (p *phrase) at(d civil) time.Time {
	return time.Date(d.year, d.month, d.day, p.clock.hour, p.clock.minute, 0, 0, p.loc)
}

func isWeekday(tok string) bool {
	_, ok := weekdays[tok]
	return ok
}

func isMonth(tok string) bool {
	_, ok := months[tok]
	return ok
}

func count(tok string) (int, bool) {
	if tok == "a" || tok == "an" || tok == "one" {
		return 1, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func ordinal(tok string) (int, bool) {
	for _, suffix := range []string{"st", "nd", "rd", "th"} {
		tok = strings.TrimSuffix(tok, suffix)
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseClock accepts 2pm, 2:30pm, 14:00, 09:30, and bare hours. An hour
// from 1 to 12 without a leading zero is marked so the caller can insist
// on am/pm.
func parseClock(tok string) (clock, bool) {
	meridiem := ""
	switch {
	case strings.HasSuffix(tok, "am"):
		meridiem, tok = "am", strings.TrimSuffix(tok, "am")
	case strings.HasSuffix(tok, "pm"):
		meridiem, tok = "pm", strings.TrimSuffix(tok, "pm")
	}

	hourStr, minStr, hasMinutes := strings.Cut(tok, ":")
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return clock{}, false
	}
	minute := 0
	if hasMinutes {
		if len(minStr) != 2 {
			return clock{}, false
		}
		minute, err = strconv.Atoi(minStr)
		if err != nil || minute < 0 || minute > 59 {
			return clock{}, false
		}
	}

	switch meridiem {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return clock{}, false
		}
		if meridiem == "am" && hour == 12 {
			hour = 0
		}
		if meridiem == "pm" && hour < 12 {
			hour += 12
		}
		return clock{hour: hour, minute: minute}, true
	}

	switch {
	case hour == 0 || hour > 12:
		return clock{hour: hour, minute: minute}, true
	case hasMinutes && len(hourStr) == 2 && hourStr[0] == '0':
		// 09:30 is a 24-hour clock.
		return clock{hour: hour, minute: minute}, true
	case hasMinutes:
		return clock{hour: hour, minute: minute, soft: true}, true
	}
	return clock{hour: hour, bare: true}, true
}
