package academic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespa-academy/datasync/internal/model"
)

var ukFlags = Flags{}

func TestYearForDateUKBoundary(t *testing.T) {
	tests := []struct {
		date string
		want string
	}{
		{"2024-07-31", "2023/2024"}, // last day of the old cohort
		{"2024-08-01", "2024/2025"}, // first day of the new one
		{"2024-10-15", "2024/2025"},
		{"2025-03-01", "2024/2025"},
		{"2025-01-01", "2024/2025"},
	}
	for _, tc := range tests {
		d, err := time.Parse("2006-01-02", tc.date)
		require.NoError(t, err)
		assert.Equal(t, tc.want, YearForDate(d, ukFlags), "date %s", tc.date)
	}
}

func TestYearForDateCalendarLocale(t *testing.T) {
	aus := Flags{IsAustralian: true, UseStandardYear: model.TriNo}
	tests := []struct {
		date string
		want string
	}{
		{"2024-12-31", "2024/2024"},
		{"2025-01-01", "2025/2025"},
		{"2025-03-15", "2025/2025"},
	}
	for _, tc := range tests {
		d, _ := time.Parse("2006-01-02", tc.date)
		assert.Equal(t, tc.want, YearForDate(d, aus), "date %s", tc.date)
	}
}

func TestAustralianWithStandardYearUsesUKRules(t *testing.T) {
	// is_australian alone does not switch to calendar years; only an
	// explicit use_standard_year=no does.
	f := Flags{IsAustralian: true, UseStandardYear: model.TriYes}
	d, _ := time.Parse("2006-01-02", "2024-10-01")
	assert.Equal(t, "2024/2025", YearForDate(d, f))

	f.UseStandardYear = model.TriUnset
	assert.Equal(t, "2024/2025", YearForDate(d, f))
}

func TestParseDateFormats(t *testing.T) {
	want := time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-10-15", "15/10/2024"} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want.Year(), got.Year())
		assert.Equal(t, want.Month(), got.Month())
		assert.Equal(t, want.Day(), got.Day())
	}

	// Ambiguous day<=12 dates parse as DD/MM first.
	got, err := ParseDate("03/10/2024")
	require.NoError(t, err)
	assert.Equal(t, time.October, got.Month())

	// US-only dates still parse via the MM/DD fallback.
	got, err = ParseDate("10/25/2024")
	require.NoError(t, err)
	assert.Equal(t, time.October, got.Month())
	assert.Equal(t, 25, got.Day())

	_, err = ParseDate("not a date")
	assert.Error(t, err)
}

func TestScoreYearPrefersCompletionDate(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	y, usedNow, err := ScoreYear("2024-10-15", "2025-09-01", ukFlags, now)
	require.NoError(t, err)
	assert.False(t, usedNow)
	assert.Equal(t, "2024/2025", y)

	y, usedNow, err = ScoreYear("", "2025-09-01", ukFlags, now)
	require.NoError(t, err)
	assert.False(t, usedNow)
	assert.Equal(t, "2025/2026", y)

	y, usedNow, err = ScoreYear("", "", ukFlags, now)
	require.NoError(t, err)
	assert.True(t, usedNow)
	assert.Equal(t, "2025/2026", y)

	_, _, err = ScoreYear("garbage", "", ukFlags, now)
	assert.Error(t, err)
}

func TestScoreYearDeterministic(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	first, _, err := ScoreYear("15/10/2024", "", ukFlags, now)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, _, err := ScoreYear("15/10/2024", "", ukFlags, now)
		require.NoError(t, err)
		require.Equal(t, first, got)
	}
}

func TestResponseYearInheritance(t *testing.T) {
	years := map[ScoreKey]string{
		{StudentID: 7, Cycle: 1}: "2024/2025",
		{StudentID: 7, Cycle: 2}: "2024/2025",
	}

	y, err := ResponseYear(7, 1, years)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", y)

	// Fixpoint: inheriting from an inherited year changes nothing.
	years[ScoreKey{StudentID: 7, Cycle: 3}] = y
	y2, err := ResponseYear(7, 3, years)
	require.NoError(t, err)
	assert.Equal(t, y, y2)

	_, err = ResponseYear(8, 1, years)
	assert.ErrorIs(t, err, ErrNoMatchingScore)
}

func TestValidYear(t *testing.T) {
	assert.True(t, ValidYear("2024/2025"))
	assert.True(t, ValidYear("2025/2025"))
	assert.False(t, ValidYear("2024/2026"))
	assert.False(t, ValidYear("2024"))
	assert.False(t, ValidYear("24/25"))
}

func TestYearBounds(t *testing.T) {
	start, end, err := YearBounds("2024/2025")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), end)

	start, end, err = YearBounds("2024/2024")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), end)

	_, _, err = YearBounds("2024")
	assert.Error(t, err)
}
