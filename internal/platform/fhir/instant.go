package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// instantLayouts are the lexical forms accepted for instant and dateTime
// values, most precise first.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// Instant is a FHIR instant/dateTime that remembers the exact text it was
// parsed from. Raw is what goes back on the wire; Time is used for ordering.
type Instant struct {
	Raw  string
	Time time.Time
}

// ParseInstant parses a FHIR instant or dateTime string.
func ParseInstant(s string) (Instant, error) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Instant{Raw: s, Time: t}, nil
		}
	}
	return Instant{}, fmt.Errorf("invalid instant %q", s)
}

// MustInstant is ParseInstant for literals known to be valid.
func MustInstant(s string) *Instant {
	in, err := ParseInstant(s)
	if err != nil {
		panic(err)
	}
	return &in
}

func (i Instant) String() string {
	return i.Raw
}

func (i Instant) Before(o Instant) bool { return i.Time.Before(o.Time) }
func (i Instant) After(o Instant) bool  { return i.Time.After(o.Time) }

func (i Instant) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Raw)
}

func (i *Instant) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("instant must be a string: %w", err)
	}
	parsed, err := ParseInstant(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// RawOf returns the lexical form of in, or "" for nil.
func RawOf(in *Instant) string {
	if in == nil {
		return ""
	}
	return in.Raw
}
