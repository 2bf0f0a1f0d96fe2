package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Parse validates content and decodes it into an Event. Every failure is a
// *ParseError naming filename.
func Parse(content []byte, filename string) (Event, error) {
	if len(content) > MaxEventSize {
		return Event{}, &ParseError{Filename: filename, Msg: "event file too large"}
	}
	if !gjson.ValidBytes(content) {
		return Event{}, &ParseError{Filename: filename, Msg: "invalid JSON in event file"}
	}

	doc := gjson.ParseBytes(content)
	if !doc.IsObject() {
		return Event{}, &ParseError{Filename: filename, Msg: "missing required fields"}
	}

	text := doc.Get("text")
	if text.Type != gjson.String || text.Str == "" {
		return Event{}, &ParseError{Filename: filename, Field: "text", Msg: "missing required fields"}
	}
	typ := doc.Get("type")
	if typ.Type != gjson.String {
		return Event{}, &ParseError{Filename: filename, Field: "type", Msg: "missing required fields"}
	}

	ev := Event{
		Type: Type(typ.Str),
		Text: text.Str,
	}
	if s := doc.Get("session"); s.Type == gjson.String {
		ev.Session = s.Str
	}

	switch ev.Type {
	case TypeImmediate:
	case TypeOneShot:
		at := doc.Get("at")
		if at.Type != gjson.String {
			return Event{}, &ParseError{Filename: filename, Field: "at", Msg: "missing 'at' for one-shot event"}
		}
		ev.At = at.Str
	case TypePeriodic:
		schedule := doc.Get("schedule")
		if schedule.Type != gjson.String {
			return Event{}, &ParseError{Filename: filename, Field: "schedule", Msg: "missing 'schedule' for periodic event"}
		}
		tz := doc.Get("timezone")
		if tz.Type != gjson.String {
			return Event{}, &ParseError{Filename: filename, Field: "timezone", Msg: "missing 'timezone' for periodic event"}
		}
		ev.Schedule = schedule.Str
		ev.Timezone = tz.Str
	default:
		return Event{}, &ParseError{Filename: filename, Field: "type", Msg: fmt.Sprintf("unknown event type %q", typ.Str)}
	}
	return ev, nil
}

// ReadFile reads and parses the event file at path. Files larger than
// MaxEventSize are rejected without being read in full. I/O failures are
// returned as plain errors so callers can retry them; validation failures
// are *ParseError.
func ReadFile(path string) (Event, error) {
	name := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return Event{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Event{}, err
	}
	if info.Size() > MaxEventSize {
		return Event{}, &ParseError{Filename: name, Msg: "event file too large"}
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxEventSize+1))
	if err != nil {
		return Event{}, err
	}
	return Parse(data, name)
}

// Marshal encodes ev as the JSON accepted by Parse. Fields that do not
// apply to ev.Type are left out.
func Marshal(ev Event) ([]byte, error) {
	out := []byte(`{}`)
	set := func(path, value string) error {
		var err error
		out, err = sjson.SetBytes(out, path, value)
		return err
	}

	if err := set("type", string(ev.Type)); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := set("text", ev.Text); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	fields := [][2]string{{"session", ev.Session}}
	switch ev.Type {
	case TypeOneShot:
		fields = append(fields, [2]string{"at", ev.At})
	case TypePeriodic:
		fields = append(fields, [2]string{"schedule", ev.Schedule}, [2]string{"timezone", ev.Timezone})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := set(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to encode event field %s: %w", f[0], err)
		}
	}

	if _, err := Parse(out, "event"); err != nil {
		return nil, err
	}
	return out, nil
}
