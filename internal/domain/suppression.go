package domain

import (
	"errors"
	"fmt"
	"time"
)

// SuppressionKind selects the suppression window shape.
// Params: constants "vacation" or "recurring".
// Returns: normalized window kind across evaluation and storage.
type SuppressionKind string

const (
	// SuppressionVacation is one absolute [start, end] date+time range.
	SuppressionVacation SuppressionKind = "vacation"
	// SuppressionRecurring is a weekly window on selected weekdays.
	SuppressionRecurring SuppressionKind = "recurring"
)

// SuppressionConfig describes one quiet period for a channel.
// Params: vacation dates or recurring weekdays plus daily start/end times.
// Returns: read-only window definition evaluated against "now".
//
// The daily window is [StartTime, EndTime); EndTime earlier than StartTime
// means the window wraps midnight. VACATION bounds are inclusive on both ends.
type SuppressionConfig struct {
	Kind      SuppressionKind `json:"kind"`
	StartDate string          `json:"start_date,omitempty"`
	EndDate   string          `json:"end_date,omitempty"`
	StartTime string          `json:"start_time"`
	EndTime   string          `json:"end_time"`
	Days      []time.Weekday  `json:"days,omitempty"`
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Validate validates one suppression window definition.
// Params: window fields parsed from transport or preferences.
// Returns: validation error when the definition is inconsistent.
func (s SuppressionConfig) Validate() error {
	if _, err := ParseClock(s.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if _, err := ParseClock(s.EndTime); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	switch s.Kind {
	case SuppressionVacation:
		if _, err := time.Parse(dateLayout, s.StartDate); err != nil {
			return fmt.Errorf("start_date: %w", err)
		}
		if _, err := time.Parse(dateLayout, s.EndDate); err != nil {
			return fmt.Errorf("end_date: %w", err)
		}
	case SuppressionRecurring:
		if len(s.Days) == 0 {
			return errors.New("recurring window requires at least one weekday")
		}
		for _, day := range s.Days {
			if day < time.Sunday || day > time.Saturday {
				return fmt.Errorf("unsupported weekday %d", day)
			}
		}
	default:
		return fmt.Errorf("unsupported suppression kind %q", s.Kind)
	}
	return nil
}

// ParseClock parses an HH:MM time-of-day value.
// Params: value in 24h "15:04" form.
// Returns: minutes since midnight or parse error.
func ParseClock(value string) (int, error) {
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return 0, fmt.Errorf("parse time-of-day %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// VacationBounds resolves the absolute window edges in the given location.
// Params: location of the owning user.
// Returns: inclusive start/end instants or parse error.
func (s SuppressionConfig) VacationBounds(loc *time.Location) (time.Time, time.Time, error) {
	if s.Kind != SuppressionVacation {
		return time.Time{}, time.Time{}, errors.New("not a vacation window")
	}
	start, err := time.ParseInLocation(dateLayout+" "+timeLayout, s.StartDate+" "+s.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("vacation start: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout+" "+timeLayout, s.EndDate+" "+s.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("vacation end: %w", err)
	}
	return start, end, nil
}
