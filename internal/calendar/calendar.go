// Package calendar derives timezone-resolved day keys and answers working-day
// questions. Every date decision in the service routes through here.
//
// The functions are pure: holiday sets are supplied by the caller and no
// function consults the server's local timezone.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DayKeyLayout is the canonical YYYY-MM-DD layout. Keys in this layout
	// sort lexicographically in calendar order.
	DayKeyLayout = "2006-01-02"
	// DefaultTimezone applies when a user profile carries no timezone.
	DefaultTimezone = "Asia/Seoul"

	maxWorkingDaySearch = 3660
)

var (
	// ErrInvalidDayKey indicates a value that is not a YYYY-MM-DD date.
	ErrInvalidDayKey = errors.New("calendar: invalid day key")
	// ErrInvalidRange indicates a range whose start is after its end.
	ErrInvalidRange = errors.New("calendar: invalid range")
	// ErrInvalidTimezone indicates an unknown IANA timezone identifier.
	ErrInvalidTimezone = errors.New("calendar: invalid timezone")
	// ErrNoWorkingDay indicates the search window held no working day.
	ErrNoWorkingDay = errors.New("calendar: no working day in search window")
)

// HolidaySet maps a day key to the holiday name observed on that day.
type HolidaySet map[string]string

// IsHoliday reports whether the day key is present in the set.
func (set HolidaySet) IsHoliday(dayKey string) bool {
	if set == nil {
		return false
	}
	_, ok := set[dayKey]
	return ok
}

// Merge returns a new set holding the entries of both sets.
func (set HolidaySet) Merge(other HolidaySet) HolidaySet {
	merged := make(HolidaySet, len(set)+len(other))
	for key, name := range set {
		merged[key] = name
	}
	for key, name := range other {
		merged[key] = name
	}
	return merged
}

// LoadLocation resolves an IANA timezone, applying DefaultTimezone to blanks.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = DefaultTimezone
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, trimmed)
	}
	return location, nil
}

// DayKey returns the local calendar date of the instant in the location.
func DayKey(instant time.Time, location *time.Location) string {
	if location == nil {
		location = time.UTC
	}
	return instant.In(location).Format(DayKeyLayout)
}

// ParseDayKey validates a day key and returns midnight of that civil date in UTC.
func ParseDayKey(dayKey string) (time.Time, error) {
	parsed, err := time.Parse(DayKeyLayout, dayKey)
	if err != nil || parsed.Format(DayKeyLayout) != dayKey {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDayKey, dayKey)
	}
	return parsed, nil
}

// ValidateDayKey returns an error when the value is not a canonical day key.
func ValidateDayKey(dayKey string) error {
	_, err := ParseDayKey(dayKey)
	return err
}

// StartOfDay returns the first instant of the day in the location.
func StartOfDay(dayKey string, location *time.Location) (time.Time, error) {
	civil, err := ParseDayKey(dayKey)
	if err != nil {
		return time.Time{}, err
	}
	if location == nil {
		location = time.UTC
	}
	return time.Date(civil.Year(), civil.Month(), civil.Day(), 0, 0, 0, 0, location), nil
}

// EndOfDay returns the last whole second of the day in the location.
func EndOfDay(dayKey string, location *time.Location) (time.Time, error) {
	civil, err := ParseDayKey(dayKey)
	if err != nil {
		return time.Time{}, err
	}
	if location == nil {
		location = time.UTC
	}
	return time.Date(civil.Year(), civil.Month(), civil.Day(), 23, 59, 59, 0, location), nil
}

// AddDays shifts a day key by a number of calendar days.
func AddDays(dayKey string, days int) (string, error) {
	civil, err := ParseDayKey(dayKey)
	if err != nil {
		return "", err
	}
	return civil.AddDate(0, 0, days).Format(DayKeyLayout), nil
}

// IsWeekend reports whether the day key falls on a Saturday or Sunday.
// Invalid keys are not weekends.
func IsWeekend(dayKey string) bool {
	civil, err := ParseDayKey(dayKey)
	if err != nil {
		return false
	}
	weekday := civil.Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}

// IsWorkingDay reports whether the day is neither a weekend nor a holiday.
// Invalid keys are never working days.
func IsWorkingDay(dayKey string, holidays HolidaySet) bool {
	if ValidateDayKey(dayKey) != nil {
		return false
	}
	return !IsWeekend(dayKey) && !holidays.IsHoliday(dayKey)
}

// EnumerateDays lists every day key in [from, to] in ascending order.
func EnumerateDays(from, to string) ([]string, error) {
	start, err := ParseDayKey(from)
	if err != nil {
		return nil, err
	}
	end, err := ParseDayKey(to)
	if err != nil {
		return nil, err
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from, to)
	}
	span := int(end.Sub(start).Hours()/24) + 1
	days := make([]string, 0, span)
	for cursor := start; !cursor.After(end); cursor = cursor.AddDate(0, 0, 1) {
		days = append(days, cursor.Format(DayKeyLayout))
	}
	return days, nil
}

// RecentWorkingDays returns the count most recent working days at or before
// the anchor, oldest first.
func RecentWorkingDays(count int, anchor string, holidays HolidaySet) ([]string, error) {
	cursor, err := ParseDayKey(anchor)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return []string{}, nil
	}
	collected := make([]string, 0, count)
	for step := 0; step < maxWorkingDaySearch && len(collected) < count; step++ {
		dayKey := cursor.Format(DayKeyLayout)
		if IsWorkingDay(dayKey, holidays) {
			collected = append(collected, dayKey)
		}
		cursor = cursor.AddDate(0, 0, -1)
	}
	if len(collected) < count {
		return nil, fmt.Errorf("%w: found %d of %d before %s", ErrNoWorkingDay, len(collected), count, anchor)
	}
	for left, right := 0, len(collected)-1; left < right; left, right = left+1, right-1 {
		collected[left], collected[right] = collected[right], collected[left]
	}
	return collected, nil
}

// NextWorkingDay returns the first working day strictly after the day key.
func NextWorkingDay(dayKey string, holidays HolidaySet) (string, error) {
	return AddWorkingDays(dayKey, 1, holidays)
}

// AddWorkingDays returns the count-th working day strictly after the day key.
// A count of zero returns the day key unchanged.
func AddWorkingDays(dayKey string, count int, holidays HolidaySet) (string, error) {
	cursor, err := ParseDayKey(dayKey)
	if err != nil {
		return "", err
	}
	if count <= 0 {
		return dayKey, nil
	}
	found := 0
	for step := 0; step < maxWorkingDaySearch; step++ {
		cursor = cursor.AddDate(0, 0, 1)
		candidate := cursor.Format(DayKeyLayout)
		if IsWorkingDay(candidate, holidays) {
			found++
			if found == count {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: after %s", ErrNoWorkingDay, dayKey)
}

// YearsBetween lists the calendar years touched by [from, to].
func YearsBetween(from, to string) ([]int, error) {
	start, err := ParseDayKey(from)
	if err != nil {
		return nil, err
	}
	end, err := ParseDayKey(to)
	if err != nil {
		return nil, err
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from, to)
	}
	years := make([]int, 0, end.Year()-start.Year()+1)
	for year := start.Year(); year <= end.Year(); year++ {
		years = append(years, year)
	}
	return years, nil
}
