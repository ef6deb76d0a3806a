package esign

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPayload is returned when a webhook body matches neither known
// payload shape or lacks an envelope id or status.
var ErrInvalidPayload = errors.New("esign: invalid webhook payload")

// Shape identifies which payload layout a webhook arrived in.
type Shape string

const (
	// ShapeEnvelopeEvent is the Connect event envelope: {event, data:{envelopeId, envelopeSummary}}.
	ShapeEnvelopeEvent Shape = "envelope_event"
	// ShapeFlat is the legacy flat layout: {envelopeId, status, ...}.
	ShapeFlat Shape = "flat"
)

// LoanIDField is the envelope custom field carrying the loan primary key.
const LoanIDField = "loan_id"

// Event is the shape-independent view of a status webhook.
type Event struct {
	EnvelopeID      string
	Status          string
	CompletedAt     *time.Time
	StatusChangedAt *time.Time
	CustomFields    map[string]string
	// Ignored names optional members that were present but could not be parsed.
	Ignored []string
}

// LoanIDHint returns the loan id carried in the envelope custom fields, if any.
func (e Event) LoanIDHint() string {
	return strings.TrimSpace(e.CustomFields[LoanIDField])
}

// object is a JSON object whose members are decoded on demand, so a member of
// an unexpected type only affects that member.
type object map[string]json.RawMessage

// asObject returns nil when raw is absent or not a JSON object.
func asObject(raw json.RawMessage) object {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil
	}
	return o
}

// text returns the member as a string, or "" when it is missing or not a string.
func (o object) text(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// DecodeEvent detects the payload shape and extracts the uniform event tuple.
// A non-empty data.envelopeId selects the event envelope shape; otherwise the
// top-level fields are used. Only a missing envelope id or status rejects the
// payload: optional members that do not parse are dropped and listed in
// Event.Ignored.
func DecodeEvent(body []byte) (Event, Shape, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, "", fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}

	var top object
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return Event{}, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if data := asObject(top["data"]); data.text("envelopeId") != "" {
		ev, err := decodeEnvelopeEvent(top, data)
		return ev, ShapeEnvelopeEvent, err
	}
	ev, err := decodeFlat(top)
	return ev, ShapeFlat, err
}

func decodeEnvelopeEvent(top, data object) (Event, error) {
	summary := asObject(data["envelopeSummary"])

	ev := Event{EnvelopeID: data.text("envelopeId"), Status: summary.text("status")}
	if ev.Status == "" {
		ev.Status = data.text("status")
	}
	if ev.Status == "" {
		ev.Status = statusFromEventName(top.text("event"))
	}
	return finishEvent(ev, summary)
}

func decodeFlat(top object) (Event, error) {
	ev := Event{EnvelopeID: top.text("envelopeId"), Status: top.text("status")}
	if ev.Status == "" {
		ev.Status = top.text("envelopeStatus")
	}
	return finishEvent(ev, top)
}

// finishEvent validates the identifying fields and reads the optional members
// from src, which is the envelope summary or the flat payload.
func finishEvent(ev Event, src object) (Event, error) {
	if ev.EnvelopeID == "" || ev.Status == "" {
		return Event{}, fmt.Errorf("%w: missing envelopeId or status", ErrInvalidPayload)
	}

	ev.CompletedAt = ev.timestamp(src, "completedDateTime")
	ev.StatusChangedAt = ev.timestamp(src, "statusChangedDateTime")

	fields, ok := parseCustomFields(src["customFields"])
	if !ok {
		ev.Ignored = append(ev.Ignored, "customFields")
	}
	ev.CustomFields = fields
	return ev, nil
}

func (ev *Event) timestamp(src object, field string) *time.Time {
	raw, present := src[field]
	if !present || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		ev.Ignored = append(ev.Ignored, field)
		return nil
	}
	t, ok := parseTimestamp(text)
	if !ok {
		ev.Ignored = append(ev.Ignored, field)
		return nil
	}
	return t
}

// statusFromEventName maps "envelope-completed" to "completed". Recipient
// events do not describe the envelope and yield no status.
func statusFromEventName(name string) string {
	rest, ok := strings.CutPrefix(strings.ToLower(name), "envelope-")
	if !ok {
		return ""
	}
	return rest
}

// timestampLayouts are tried in order. Zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05.9999999",
}

// parseTimestamp reports false for a value in none of timestampLayouts. An
// empty value is absent, not invalid.
func parseTimestamp(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	return nil, false
}

// parseCustomFields accepts either a flat {"name": "value"} object or the
// provider's {"textCustomFields": [{name, value}], "listCustomFields": [...]}
// layout and normalizes both to a string map. It reports false, with an
// empty map, when raw is present but not an object.
func parseCustomFields(raw json.RawMessage) (map[string]string, bool) {
	out := map[string]string{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, true
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return out, false
	}

	for key, value := range members {
		switch key {
		case "textCustomFields", "listCustomFields":
			var fields []namedField
			if err := json.Unmarshal(value, &fields); err != nil {
				// A flat map may legitimately use these names as plain keys.
				if s, ok := scalarString(value); ok {
					out[key] = s
				}
				continue
			}
			for _, f := range fields {
				if f.Name == "" {
					continue
				}
				if s, ok := scalarString(f.Value); ok {
					out[f.Name] = s
				}
			}
		default:
			if s, ok := scalarString(value); ok {
				out[key] = s
			}
		}
	}
	return out, true
}

type namedField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// scalarString renders JSON strings, numbers and booleans as text.
func scalarString(value json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[', 'n':
		return "", false
	}
	return string(trimmed), true
}
