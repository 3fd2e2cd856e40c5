// Package event validates records streamed by the simulation engine and
// discriminates them into one of three variants: Background, Objective or
// Log.
//
// Validation is structural only. Unknown fields are tolerated and kept in the
// verbatim record; a missing or mistyped required field rejects the whole
// record with ErrSchemaViolation.
package event

import (
	"errors"
	"time"
)

// ErrSchemaViolation is returned for any record that does not match the
// event schema.
var ErrSchemaViolation = errors.New("schema violation")

// TimeLayout is the timestamp format the engine writes into the time field.
const TimeLayout = "2006-01-02T15:04:05Z"

// Tag discriminates the event variants.
type Tag string

const (
	TagBackground Tag = "background"
	TagObjective  Tag = "objective"
	TagLog        Tag = "log"
)

var validTags = map[Tag]bool{
	TagBackground: true,
	TagObjective:  true,
	TagLog:        true,
}

// IsValidTag reports whether t is one of the three known tags.
func IsValidTag(t Tag) bool {
	return validTags[t]
}

// Envelope holds the fields common to every event.
type Envelope struct {
	Tag           Tag
	IsCompromised bool
	UUID          string
	UserName      string
	Time          string
}

// Timestamp parses the envelope time. The raw string stays authoritative; the
// zero time is returned when it cannot be parsed.
func (e Envelope) Timestamp() time.Time {
	for _, layout := range []string{TimeLayout, time.RFC3339} {
		if ts, err := time.Parse(layout, e.Time); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Event is one validated record. The concrete type is always *Background,
// *Objective or *Log.
type Event interface {
	Envelope() Envelope
	// Record returns the record exactly as received, extra fields included.
	Record() map[string]any
	// Thought returns the nested thought object as received.
	Thought() map[string]any

	isEvent()
}

type base struct {
	envelope Envelope
	record   map[string]any
	thought  map[string]any
}

func (b *base) Envelope() Envelope      { return b.envelope }
func (b *base) Record() map[string]any  { return b.record }
func (b *base) Thought() map[string]any { return b.thought }
func (b *base) isEvent()                {}

// Background introduces the simulated user.
type Background struct {
	base
	JobTitle    string
	Description string
}

// Task is one step of an objective.
type Task struct {
	Name        string
	Description string
}

// Objective is what the simulated user sets out to do next.
type Objective struct {
	base
	// Name and Description are empty when absent or not strings.
	Name        string
	Description string
	Tasks       []Task
}

// Log is a cloud audit record produced by an action. The thought is opaque.
type Log struct {
	base
}

// EventName returns the audit eventName field, if present.
func (l *Log) EventName() string {
	return stringField(l.thought, "eventName")
}

// EventSource returns the audit eventSource field, if present.
func (l *Log) EventSource() string {
	return stringField(l.thought, "eventSource")
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
