// Package suppress evaluates quiet-period windows against the owner's local
// time and computes how long a snoozed delivery must wait.
package suppress

import (
	"errors"
	"time"

	"dispatch/internal/domain"
)

// SafetyBuffer is added to every computed quiet duration so the scheduler
// fires strictly after the window has closed.
const SafetyBuffer = 45 * time.Second

const secondsPerDay = 24 * 60 * 60

// ResolveLocation resolves the evaluation timezone for one user.
// Params: user timezone name, configured default, each possibly empty/invalid.
// Returns: first loadable location, falling back to UTC.
func ResolveLocation(userTZ, defaultTZ string) *time.Location {
	for _, name := range []string{userTZ, defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Enforce returns the first suppression window active at "now".
// Params: current instant, window list, and resolved location.
// Returns: pointer to the first active window, or nil when none matches.
func Enforce(now time.Time, configs []domain.SuppressionConfig, loc *time.Location) *domain.SuppressionConfig {
	local := now.In(loc)
	for i := range configs {
		if isActive(local, configs[i], loc) {
			return &configs[i]
		}
	}
	return nil
}

// isActive evaluates one window against local time.
// Params: local instant, window definition, and location for vacation bounds.
// Returns: true when the window covers the instant.
func isActive(local time.Time, cfg domain.SuppressionConfig, loc *time.Location) bool {
	switch cfg.Kind {
	case domain.SuppressionVacation:
		start, end, err := cfg.VacationBounds(loc)
		if err != nil {
			return false
		}
		return !local.Before(start) && !local.After(end)
	case domain.SuppressionRecurring:
		if !dayEnabled(cfg.Days, local.Weekday()) {
			return false
		}
		startSec, endSec, err := windowSeconds(cfg)
		if err != nil {
			return false
		}
		nowSec := secondOfDay(local)
		if endSec < startSec {
			// Window wraps midnight.
			return nowSec >= startSec || nowSec < endSec
		}
		return nowSec >= startSec && nowSec < endSec
	default:
		return false
	}
}

// QuietDuration computes the remaining quiet time for an active window.
// Params: current instant, active window, and resolved location.
// Returns: time until the window closes plus the safety buffer, or error for
// malformed definitions.
func QuietDuration(now time.Time, cfg domain.SuppressionConfig, loc *time.Location) (time.Duration, error) {
	local := now.In(loc)
	switch cfg.Kind {
	case domain.SuppressionVacation:
		_, end, err := cfg.VacationBounds(loc)
		if err != nil {
			return 0, err
		}
		remaining := end.Sub(local)
		if remaining < 0 {
			remaining = 0
		}
		return remaining + SafetyBuffer, nil
	case domain.SuppressionRecurring:
		startSec, endSec, err := windowSeconds(cfg)
		if err != nil {
			return 0, err
		}
		nowSec := secondOfDay(local)
		var remaining int
		switch {
		case endSec >= startSec:
			remaining = endSec - nowSec
		case nowSec >= startSec:
			// Pre-midnight portion of a wrapping window.
			remaining = (secondsPerDay - nowSec) + endSec
		default:
			// Post-midnight portion.
			remaining = endSec - nowSec
		}
		if remaining < 0 {
			remaining = 0
		}
		return time.Duration(remaining)*time.Second + SafetyBuffer, nil
	default:
		return 0, errors.New("unsupported suppression kind")
	}
}

// windowSeconds parses the daily bounds into seconds of day.
// Params: window definition.
// Returns: start and end seconds or parse error.
func windowSeconds(cfg domain.SuppressionConfig) (int, int, error) {
	startMin, err := domain.ParseClock(cfg.StartTime)
	if err != nil {
		return 0, 0, err
	}
	endMin, err := domain.ParseClock(cfg.EndTime)
	if err != nil {
		return 0, 0, err
	}
	return startMin * 60, endMin * 60, nil
}

// secondOfDay converts one local instant into seconds since local midnight.
// Params: local time.
// Returns: seconds of day.
func secondOfDay(local time.Time) int {
	return local.Hour()*3600 + local.Minute()*60 + local.Second()
}

// dayEnabled reports whether the weekday participates in the window.
// Params: enabled weekday set and candidate day.
// Returns: true when listed.
func dayEnabled(days []time.Weekday, day time.Weekday) bool {
	for _, candidate := range days {
		if candidate == day {
			return true
		}
	}
	return false
}
