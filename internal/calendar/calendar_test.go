package calendar

import (
	"testing"
	"time"

	"closeline/internal/domain"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDay(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func view(holidays ...string) View {
	return NewView(domain.Calendar{ID: "cal-ph-2026", Country: "PH", Year: 2026, Version: 1, Holidays: holidays}, nil)
}

func TestOffsetWorkdaysBeforeMonthEnd(t *testing.T) {
	v := view()
	got := v.OffsetWorkdays(day(t, "2026-03-31"), 5, domain.DirectionBefore)
	if got.Format(DayFormat) != "2026-03-24" {
		t.Fatalf("5 workdays before 2026-03-31 = %s, want 2026-03-24", got.Format(DayFormat))
	}
}

func TestOffsetWorkdaysSkipsHolidays(t *testing.T) {
	v := view("2026-03-26")
	got := v.OffsetWorkdays(day(t, "2026-03-31"), 5, domain.DirectionBefore)
	if got.Format(DayFormat) != "2026-03-23" {
		t.Fatalf("got %s, want 2026-03-23", got.Format(DayFormat))
	}
}

func TestOffsetWorkdaysAfter(t *testing.T) {
	v := view()
	got := v.OffsetWorkdays(day(t, "2026-03-27"), 2, domain.DirectionAfter)
	if got.Format(DayFormat) != "2026-03-31" {
		t.Fatalf("got %s, want 2026-03-31", got.Format(DayFormat))
	}
}

func TestZeroOffsetSnapsToWorkingDay(t *testing.T) {
	v := view("2026-04-03")

	got := v.OffsetWorkdays(day(t, "2026-04-04"), 0, domain.DirectionBefore)
	if got.Format(DayFormat) != "2026-04-02" {
		t.Fatalf("snap before from saturday over holiday friday = %s, want 2026-04-02", got.Format(DayFormat))
	}

	got = v.OffsetWorkdays(day(t, "2026-04-04"), 0, domain.DirectionAfter)
	if got.Format(DayFormat) != "2026-04-06" {
		t.Fatalf("snap after from saturday = %s, want 2026-04-06", got.Format(DayFormat))
	}

	got = v.OffsetWorkdays(day(t, "2026-04-01"), 0, domain.DirectionBefore)
	if got.Format(DayFormat) != "2026-04-01" {
		t.Fatalf("working anchor must not move, got %s", got.Format(DayFormat))
	}
}

func TestWorkingDaysBetween(t *testing.T) {
	v := view("2026-03-25")
	days := v.WorkingDaysBetween(day(t, "2026-03-23"), day(t, "2026-03-29"))
	want := []string{"2026-03-23", "2026-03-24", "2026-03-26", "2026-03-27"}
	if len(days) != len(want) {
		t.Fatalf("got %d working days, want %d", len(days), len(want))
	}
	for i, d := range days {
		if d.Format(DayFormat) != want[i] {
			t.Fatalf("day %d = %s, want %s", i, d.Format(DayFormat), want[i])
		}
	}
}

func TestCustomWeekendRule(t *testing.T) {
	weekend := map[time.Weekday]bool{time.Friday: true, time.Saturday: true}
	v := NewView(domain.Calendar{ID: "cal", Country: "AE", Year: 2026, Version: 1}, weekend)
	if v.IsWorkingDay(day(t, "2026-03-27")) {
		t.Fatal("friday should be weekend under custom rule")
	}
	if !v.IsWorkingDay(day(t, "2026-03-29")) {
		t.Fatal("sunday should be a working day under custom rule")
	}
}

func TestPeriodBounds(t *testing.T) {
	start, end, err := PeriodBounds("2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if start.Format(DayFormat) != "2026-02-01" || end.Format(DayFormat) != "2026-02-28" {
		t.Fatalf("got %s..%s", start.Format(DayFormat), end.Format(DayFormat))
	}
	if _, _, err := PeriodBounds("2026/02"); err == nil {
		t.Fatal("expected error for malformed period")
	}
}
