// Package deadline normalizes program deadlines into comparable application deadlines.
//
// Programs publish deadlines as a month and day ("MM-DD"), the literal
// "rolling", or nothing at all. The application year plus the program's intake
// semester decide which calendar year the deadline falls in.
package deadline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admissions/api/internal/store"
)

const (
	// Withdraw is returned for applications the student withdrew.
	Withdraw = "WITHDRAW"
	// None is returned by Nearest when no decided application has a deadline.
	None = "-"
	// FarFutureDays is the day difference reported for labels without a date.
	FarFutureDays = 36500

	SemesterWinter = "WS"
	SemesterSummer = "SS"

	tbdSuffix     = "-<TBD>"
	rollingSuffix = "-Rolling"
	labelLayout   = "2006/01/02"
)

var ErrInvalidSemester = errors.New("invalid semester")

// AdjustYearForSemester returns the academic year a deadline month belongs to.
// Winter-semester deadlines after September and summer-semester deadlines
// after March belong to the previous intake year.
func AdjustYearForSemester(year, month int, semester string) (int, error) {
	switch strings.TrimSpace(semester) {
	case "":
		return 0, ErrInvalidSemester
	case SemesterWinter:
		if month > 9 {
			return year - 1, nil
		}
	case SemesterSummer:
		if month > 3 {
			return year - 1, nil
		}
	}
	return year, nil
}

// FormatDeadline renders the display label for a raw program deadline.
func FormatDeadline(year int, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Sprintf("%d%s", year, tbdSuffix)
	}
	if isRollingRaw(raw) {
		return fmt.Sprintf("%d%s", year, rollingSuffix)
	}
	month, day, ok := parseMonthDay(raw)
	if !ok {
		return fmt.Sprintf("%d%s", year, tbdSuffix)
	}
	return fmt.Sprintf("%d/%02d/%02d", year, month, day)
}

// ApplicationDeadline computes the display deadline of an application.
// A missing program deadline yields the TBD label, never an error.
func ApplicationDeadline(application store.Application) (string, error) {
	if application.IsWithdrawn() {
		return Withdraw, nil
	}
	year := application.ApplicationYear
	raw := strings.TrimSpace(application.Program.ApplicationDeadline)
	if raw == "" || isRollingRaw(raw) {
		return FormatDeadline(year, raw), nil
	}
	month, _, ok := parseMonthDay(raw)
	if !ok {
		return FormatDeadline(year, ""), nil
	}
	adjusted, err := AdjustYearForSemester(year, month, application.Program.Semester)
	if err != nil {
		return "", fmt.Errorf("application %s: %w", application.ID, err)
	}
	return FormatDeadline(adjusted, raw), nil
}

// DaysUntil returns the whole days between today and the deadline label.
// Labels without a concrete date report FarFutureDays and false.
func DaysUntil(label string, now time.Time) (int, bool) {
	parsed, err := time.Parse(labelLayout, strings.TrimSpace(label))
	if err != nil {
		return FarFutureDays, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(parsed.Sub(today).Hours() / 24), true
}

// DaysSince returns the whole days elapsed since t.
func DaysSince(t, now time.Time) int {
	if t.IsZero() {
		return FarFutureDays
	}
	return int(now.Sub(t).Hours() / 24)
}

// IsRolling reports whether a label marks a rolling admission.
func IsRolling(label string) bool {
	return strings.HasSuffix(label, rollingSuffix)
}

// IsTBD reports whether a label marks an unknown deadline.
func IsTBD(label string) bool {
	return strings.HasSuffix(label, tbdSuffix)
}

// Nearest picks the closest deadline among the decided applications.
// Ties keep the first application seen.
func Nearest(applications []store.Application, now time.Time) string {
	var (
		nearest  string
		bestDays int
		found    bool
		rolling  string
	)
	for _, application := range applications {
		if !application.IsDecided() {
			continue
		}
		label, err := ApplicationDeadline(application)
		if err != nil {
			continue
		}
		days, ok := DaysUntil(label, now)
		if !ok {
			if rolling == "" && IsRolling(label) {
				rolling = label
			}
			continue
		}
		if !found || days < bestDays {
			nearest, bestDays, found = label, days, true
		}
	}
	switch {
	case found:
		return nearest
	case rolling != "":
		return rolling
	default:
		return None
	}
}

func isRollingRaw(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "rolling")
}

func parseMonthDay(raw string) (int, int, bool) {
	parts := strings.Split(raw, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, false
	}
	day, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || day < 1 || day > 31 {
		return 0, 0, false
	}
	return month, day, true
}
