package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"closeline/internal/domain"
	"closeline/internal/repo"
)

// ErrCalendarNotFound means no published calendar covers the requested
// year. Deadlines are never computed against a guessed calendar.
var ErrCalendarNotFound = errors.New("no published working calendar for year")

const DayFormat = "2006-01-02"

type Resolver struct {
	Repo repo.Repo
}

// View is an in-memory working-day oracle for one published calendar
// version combined with the org's weekend rule.
type View struct {
	Calendar domain.Calendar
	holidays map[string]bool
	weekend  map[time.Weekday]bool
}

// Resolve loads a calendar for (country, year). Version 0 selects the
// latest published version.
func (r Resolver) Resolve(ctx context.Context, country string, year, version int, weekend map[time.Weekday]bool) (View, error) {
	cal, err := r.Repo.GetCalendar(ctx, country, year, version)
	if errors.Is(err, repo.ErrNotFound) {
		return View{}, fmt.Errorf("%w: %s %d", ErrCalendarNotFound, country, year)
	}
	if err != nil {
		return View{}, err
	}
	return NewView(cal, weekend), nil
}

func NewView(cal domain.Calendar, weekend map[time.Weekday]bool) View {
	if len(weekend) == 0 {
		weekend = map[time.Weekday]bool{time.Saturday: true, time.Sunday: true}
	}
	holidays := make(map[string]bool, len(cal.Holidays))
	for _, d := range cal.Holidays {
		holidays[d] = true
	}
	return View{Calendar: cal, holidays: holidays, weekend: weekend}
}

func (v View) IsWorkingDay(day time.Time) bool {
	if v.weekend[day.Weekday()] {
		return false
	}
	return !v.holidays[day.Format(DayFormat)]
}

// OffsetWorkdays walks n working days from the anchor, skipping weekends
// and holidays. The anchor itself is never counted. With n == 0 a
// non-working anchor snaps to the nearest working day at-or-before
// (direction before) or at-or-after (direction after).
func (v View) OffsetWorkdays(anchor time.Time, n int, direction string) time.Time {
	step := 1
	if direction == domain.DirectionBefore {
		step = -1
	}
	day := anchor
	if n == 0 {
		for !v.IsWorkingDay(day) {
			day = day.AddDate(0, 0, step)
		}
		return day
	}
	for counted := 0; counted < n; {
		day = day.AddDate(0, 0, step)
		if v.IsWorkingDay(day) {
			counted++
		}
	}
	return day
}

// WorkingDaysBetween returns the working days in [from, to] in date order.
func (v View) WorkingDaysBetween(from, to time.Time) []time.Time {
	var days []time.Time
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if v.IsWorkingDay(day) {
			days = append(days, day)
		}
	}
	return days
}

// PeriodBounds returns the first and last day of a "YYYY-MM" period.
func PeriodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q, want YYYY-MM", period)
	}
	end := start.AddDate(0, 1, -1)
	return start, end, nil
}

// FormatPeriod renders a close period as "YYYY-MM".
func FormatPeriod(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

func ParseDay(s string) (time.Time, error) {
	d, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}
