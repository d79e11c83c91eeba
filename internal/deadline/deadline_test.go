package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admissions/api/internal/store"
)

func TestAdjustYearForSemester(t *testing.T) {
	for month := 1; month <= 12; month++ {
		for _, semester := range []string{SemesterWinter, SemesterSummer} {
			got, err := AdjustYearForSemester(2025, month, semester)
			require.NoError(t, err)

			shifted := (semester == SemesterWinter && month > 9) || (semester == SemesterSummer && month > 3)
			want := 2025
			if shifted {
				want = 2024
			}
			assert.Equal(t, want, got, "month=%d semester=%s", month, semester)
		}
	}
}

func TestAdjustYearForSemesterRequiresSemester(t *testing.T) {
	_, err := AdjustYearForSemester(2025, 5, "")
	assert.ErrorIs(t, err, ErrInvalidSemester)

	_, err = AdjustYearForSemester(2025, 5, "  ")
	assert.ErrorIs(t, err, ErrInvalidSemester)
}

func TestFormatDeadline(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: "2025-<TBD>"},
		{name: "rolling", raw: "Rolling", want: "2025-Rolling"},
		{name: "rolling in sentence", raw: "rolling admission", want: "2025-Rolling"},
		{name: "month day", raw: "05-31", want: "2025/05/31"},
		{name: "unpadded", raw: "1-5", want: "2025/01/05"},
		{name: "garbage", raw: "soon", want: "2025-<TBD>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatDeadline(2025, tc.raw))
		})
	}
}

func application(deadline, semester string, year int) store.Application {
	return store.Application{
		ID:              "app-" + deadline,
		ApplicationYear: year,
		Decided:         store.FlagYes,
		Closed:          store.FlagPending,
		Program: store.Program{
			School:              "TUM",
			ProgramName:         "Informatics",
			Semester:            semester,
			ApplicationDeadline: deadline,
		},
	}
}

func TestApplicationDeadline(t *testing.T) {
	cases := []struct {
		name string
		app  store.Application
		want string
	}{
		{name: "winter late deadline shifts year", app: application("11-30", SemesterWinter, 2025), want: "2024/11/30"},
		{name: "winter september stays", app: application("09-30", SemesterWinter, 2025), want: "2025/09/30"},
		{name: "summer january stays", app: application("01-15", SemesterSummer, 2025), want: "2025/01/15"},
		{name: "summer july shifts", app: application("07-15", SemesterSummer, 2025), want: "2024/07/15"},
		{name: "missing deadline", app: application("", "", 2025), want: "2025-<TBD>"},
		{name: "rolling without semester", app: application("rolling", "", 2025), want: "2025-Rolling"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplicationDeadline(tc.app)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			again, err := ApplicationDeadline(tc.app)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestApplicationDeadlineWithdrawn(t *testing.T) {
	app := application("05-31", SemesterWinter, 2025)
	app.Closed = store.FlagNo
	got, err := ApplicationDeadline(app)
	require.NoError(t, err)
	assert.Equal(t, Withdraw, got)

	app = application("05-31", SemesterWinter, 2025)
	app.Decided = "withdraw"
	got, err = ApplicationDeadline(app)
	require.NoError(t, err)
	assert.Equal(t, Withdraw, got)
}

func TestApplicationDeadlineMissingSemester(t *testing.T) {
	_, err := ApplicationDeadline(application("05-31", "", 2025))
	assert.ErrorIs(t, err, ErrInvalidSemester)
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 5, 1, 18, 30, 0, 0, time.UTC)

	days, ok := DaysUntil("2025/05/31", now)
	assert.True(t, ok)
	assert.Equal(t, 30, days)

	days, ok = DaysUntil("2025/04/30", now)
	assert.True(t, ok)
	assert.Equal(t, -1, days)

	for _, label := range []string{"2025-Rolling", "2025-<TBD>", Withdraw, None} {
		days, ok = DaysUntil(label, now)
		assert.False(t, ok, label)
		assert.Equal(t, FarFutureDays, days, label)
	}
}

func TestNearest(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, None, Nearest(nil, now))
	})

	t.Run("minimum wins", func(t *testing.T) {
		apps := []store.Application{
			application("07-15", SemesterWinter, 2025),
			application("03-01", SemesterWinter, 2025),
			application("05-31", SemesterWinter, 2025),
		}
		assert.Equal(t, "2025/03/01", Nearest(apps, now))
	})

	t.Run("undecided ignored", func(t *testing.T) {
		early := application("02-01", SemesterWinter, 2025)
		early.Decided = store.FlagPending
		apps := []store.Application{early, application("05-31", SemesterWinter, 2025)}
		assert.Equal(t, "2025/05/31", Nearest(apps, now))
	})

	t.Run("first seen wins ties", func(t *testing.T) {
		first := application("05-31", SemesterWinter, 2025)
		first.Program.School = "First"
		second := application("05-31", SemesterSummer, 2026)
		second.ApplicationYear = 2026
		// summer 05 shifts 2026 back to 2025: same label, same distance
		apps := []store.Application{first, second}
		assert.Equal(t, "2025/05/31", Nearest(apps, now))
	})

	t.Run("rolling fallback", func(t *testing.T) {
		apps := []store.Application{application("", SemesterWinter, 2025), application("rolling", SemesterWinter, 2025)}
		assert.Equal(t, "2025-Rolling", Nearest(apps, now))
	})

	t.Run("concrete beats rolling", func(t *testing.T) {
		apps := []store.Application{application("rolling", SemesterWinter, 2025), application("08-01", SemesterWinter, 2025)}
		assert.Equal(t, "2025/08/01", Nearest(apps, now))
	})
}

func TestDaysSince(t *testing.T) {
	now := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 4, DaysSince(now.Add(-4*24*time.Hour-time.Hour), now))
	assert.Equal(t, FarFutureDays, DaysSince(time.Time{}, now))
}
