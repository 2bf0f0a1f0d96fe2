package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coopco/supportbot/internal/events"
)

// ScheduleEventTool lets the agent create, list and cancel event files in
// the events directory. The event runner picks new files up like any other.
type ScheduleEventTool struct {
	dir     string
	session string
	now     func() time.Time
}

// NewScheduleEventTool writes events into dir. Events created without an
// explicit session target defaultSession.
func NewScheduleEventTool(dir, defaultSession string) *ScheduleEventTool {
	return &ScheduleEventTool{dir: dir, session: defaultSession, now: time.Now}
}

func (t *ScheduleEventTool) Name() string { return "schedule_event" }
func (t *ScheduleEventTool) Description() string {
	return "Schedule a follow-up for yourself: run now (immediate), once at a time (one-shot), or on a cron schedule (periodic). Also lists and cancels scheduled events."
}
func (t *ScheduleEventTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["create", "list", "cancel"],
				"description": "Action to perform (default create)"
			},
			"type": {
				"type": "string",
				"enum": ["immediate", "one-shot", "periodic"],
				"description": "Event type (for create)"
			},
			"text": {
				"type": "string",
				"description": "Message delivered to the agent when the event fires"
			},
			"at": {
				"type": "string",
				"description": "RFC 3339 time for one-shot events, or a delay such as 30m"
			},
			"schedule": {
				"type": "string",
				"description": "5-field cron expression for periodic events"
			},
			"timezone": {
				"type": "string",
				"description": "IANA timezone for periodic events (default UTC)"
			},
			"session": {
				"type": "string",
				"description": "Target session (default: this session)"
			},
			"name": {
				"type": "string",
				"description": "Event file name (for cancel)"
			}
		}
	}`)
}

type scheduleEventParams struct {
	Action   string `json:"action"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	At       string `json:"at"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Session  string `json:"session"`
	Name     string `json:"name"`
}

func (t *ScheduleEventTool) Execute(_ context.Context, params json.RawMessage) (string, error) {
	var p scheduleEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}

	switch p.Action {
	case "", "create":
		return t.create(p)
	case "list":
		return t.list()
	case "cancel":
		if p.Name == "" {
			return "", fmt.Errorf("name is required for cancel action")
		}
		if err := events.Remove(t.dir, p.Name); err != nil {
			return "", err
		}
		return fmt.Sprintf("Event cancelled: %s", p.Name), nil
	default:
		return "", fmt.Errorf("invalid action: %s (must be create, list, or cancel)", p.Action)
	}
}

func (t *ScheduleEventTool) create(p scheduleEventParams) (string, error) {
	ev := events.Event{
		Type:     events.Type(p.Type),
		Text:     p.Text,
		Session:  p.Session,
		Schedule: p.Schedule,
		Timezone: p.Timezone,
	}
	if ev.Session == "" {
		ev.Session = t.session
	}
	switch ev.Type {
	case events.TypeOneShot:
		at, err := t.resolveAt(p.At)
		if err != nil {
			return "", err
		}
		ev.At = at
	case events.TypePeriodic:
		if ev.Timezone == "" {
			ev.Timezone = "UTC"
		}
	}

	name, err := events.WriteFile(t.dir, ev)
	if err != nil {
		return "", fmt.Errorf("failed to schedule event: %w", err)
	}
	return fmt.Sprintf("Event scheduled: %s (%s %s)", name, ev.Type, ev.Trigger()), nil
}

// resolveAt accepts an absolute RFC 3339 time or a Go duration relative to now.
func (t *ScheduleEventTool) resolveAt(at string) (string, error) {
	if at == "" {
		return "", fmt.Errorf("at is required for one-shot events")
	}
	if d, err := time.ParseDuration(at); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("delay %q must be positive", at)
		}
		return t.now().Add(d).UTC().Format(time.RFC3339), nil
	}
	fire, err := (events.Event{At: at}).FireTime()
	if err != nil {
		return "", err
	}
	if fire.Before(t.now()) {
		return "", fmt.Errorf("time %s is in the past", at)
	}
	return fire.UTC().Format(time.RFC3339), nil
}

func (t *ScheduleEventTool) list() (string, error) {
	listed, err := events.List(t.dir)
	if err != nil {
		return "", err
	}
	if len(listed) == 0 {
		return "No scheduled events.", nil
	}
	var b strings.Builder
	for _, l := range listed {
		if l.Err != nil {
			fmt.Fprintf(&b, "- %s: invalid (%v)\n", l.Name, l.Err)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s %s session=%q %q\n", l.Name, l.Event.Type, l.Event.Trigger(), l.Event.Session, l.Event.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
