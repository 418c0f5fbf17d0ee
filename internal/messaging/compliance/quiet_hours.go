package compliance

import (
	"fmt"
	"time"
)

// QuietHours represents a daily window (business local time) during which
// outbound offer notifications are deferred.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours returns a quiet-hours window from HH:MM strings.
// An empty start and end yields a disabled window.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	if start == "" && end == "" {
		return QuietHours{location: loc}, nil
	}
	startMin, err := ParseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := ParseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      startMin != endMin,
	}, nil
}

// ParseClock converts an HH:MM string to minutes after midnight.
func ParseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the window suppresses anything at all.
func (q QuietHours) Enabled() bool {
	return q.enabled
}

// InWindow returns true when the given moment falls inside the quiet-hours window.
func (q QuietHours) InWindow(now time.Time) bool {
	if !q.enabled {
		return false
	}
	local := now.In(q.loc())
	minutes := local.Hour()*60 + local.Minute()
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}

// NextDispatch returns now when sends are allowed, otherwise the first instant
// at or after the end of the current quiet window.
func (q QuietHours) NextDispatch(now time.Time) time.Time {
	if !q.InWindow(now) {
		return now
	}
	loc := q.loc()
	local := now.In(loc)
	hour, minute := q.EndMinutes/60, q.EndMinutes%60
	end := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !end.After(local) {
		end = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return end.In(now.Location())
}

func (q QuietHours) loc() *time.Location {
	if q.location == nil {
		return time.UTC
	}
	return q.location
}
