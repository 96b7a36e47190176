// Package academic assigns assessment records to academic-year cohorts.
//
// A cohort is identified by a "YYYY/YYYY" string. UK-style establishments
// roll over on 1 August; calendar-year establishments (Australian schools
// that opted out of the standard year) use the same year on both sides.
package academic

import (
	"errors"
	"fmt"
	"time"

	"github.com/vespa-academy/datasync/internal/model"
)

// ErrNoMatchingScore reports a question response whose (student, cycle) has
// no VESPA score to inherit a year from. The response must be skipped, never
// given a fabricated year.
var ErrNoMatchingScore = errors.New("no matching vespa score for response")

// Flags is the establishment locale input to year classification.
type Flags struct {
	IsAustralian    bool
	UseStandardYear model.TriState
}

// ScoreKey identifies the score a response inherits its year from.
type ScoreKey struct {
	StudentID int64
	Cycle     int
}

// dateLayouts in trial order: ISO first, then UK, then US.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
	"01/02/2006",
}

// ParseDate parses a source-CRM date string, trying ISO, DD/MM/YYYY and
// MM/DD/YYYY in that order.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// YearForDate maps a completion date to an academic year under the
// establishment's locale rules. use_standard_year unset is treated as yes;
// that is the documented policy for establishments predating the flag.
func YearForDate(t time.Time, f Flags) string {
	if f.IsAustralian && f.UseStandardYear == model.TriNo {
		y := t.Year()
		return fmt.Sprintf("%d/%d", y, y)
	}
	y := t.Year()
	if int(t.Month()) >= 8 {
		return fmt.Sprintf("%d/%d", y, y+1)
	}
	return fmt.Sprintf("%d/%d", y-1, y)
}

// ScoreYear classifies a VESPA score record. It prefers the completion date,
// falls back to the creation date, and as a last resort uses now (the caller
// should log that fallback; usedNow reports it). The returned error is
// non-nil only when a present date cannot be parsed in any known format.
func ScoreYear(completionDate, createdDate string, f Flags, now time.Time) (year string, usedNow bool, err error) {
	for _, s := range []string{completionDate, createdDate} {
		if s == "" {
			continue
		}
		t, perr := ParseDate(s)
		if perr != nil {
			return "", false, perr
		}
		return YearForDate(t, f), false, nil
	}
	return YearForDate(now, f), true, nil
}

// ResponseYear inherits the academic year from the paired VESPA score.
// Responses never compute a year from their own dates: the Cycle 1 score
// fixes the cohort and every later record follows it.
func ResponseYear(studentID int64, cycle int, scoreYears map[ScoreKey]string) (string, error) {
	if y, ok := scoreYears[ScoreKey{StudentID: studentID, Cycle: cycle}]; ok {
		return y, nil
	}
	return "", ErrNoMatchingScore
}

// YearBounds returns the first and last day an academic year covers:
// 1 August to 31 July for UK-style years, the calendar year otherwise.
func YearBounds(year string) (start, end time.Time, err error) {
	if !ValidYear(year) {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed academic year %q", year)
	}
	var a, b int
	fmt.Sscanf(year, "%d/%d", &a, &b)
	if a == b {
		return time.Date(a, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(a, 12, 31, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Date(a, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(b, 7, 31, 0, 0, 0, 0, time.UTC), nil
}

// ValidYear reports whether s looks like a well-formed academic year and,
// for UK-style years, spans consecutive years.
func ValidYear(s string) bool {
	var a, b int
	if _, err := fmt.Sscanf(s, "%d/%d", &a, &b); err != nil {
		return false
	}
	if len(s) != 9 {
		return false
	}
	return b == a || b == a+1
}
