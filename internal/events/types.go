// Package events defines the JSON event files that drive the event runner
// and the parser that validates them.
package events

import (
	"fmt"
	"time"
)

// Type identifies the scheduling discipline of an event.
type Type string

const (
	TypeImmediate Type = "immediate" // fire once, as soon as observed
	TypeOneShot   Type = "one-shot"  // fire once at At
	TypePeriodic  Type = "periodic"  // fire per Schedule in Timezone
)

// MaxEventSize is the largest event file accepted, in bytes.
const MaxEventSize = 1 << 20

// Event is a decoded event file. Which of At, Schedule and Timezone are set
// depends on Type.
type Event struct {
	Type     Type   `json:"type"`
	Text     string `json:"text"`
	Session  string `json:"session,omitempty"`
	At       string `json:"at,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Trigger returns the schedule, fire time or "immediate", whichever
// describes when the event runs.
func (e Event) Trigger() string {
	switch e.Type {
	case TypeOneShot:
		return e.At
	case TypePeriodic:
		return e.Schedule
	default:
		return "immediate"
	}
}

var fireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// FireTime parses At. Timestamps without a zone are read as local time.
func (e Event) FireTime() (time.Time, error) {
	for _, layout := range fireTimeLayouts {
		if t, err := time.ParseInLocation(layout, e.At, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, expected RFC 3339", e.At)
}

// ParseError reports why an event file was rejected.
type ParseError struct {
	Filename string
	Field    string // offending field, empty when the whole payload is bad
	Msg      string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Filename, e.Msg, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Filename, e.Msg)
}
