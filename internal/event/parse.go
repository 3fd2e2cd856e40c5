package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports field names as they appear on the wire.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Pointer fields distinguish an absent field from its zero value.
type wireEnvelope struct {
	Tag           *string         `json:"tag" validate:"required"`
	IsCompromised *bool           `json:"is_compromised" validate:"required"`
	UUID          *string         `json:"uuid" validate:"required"`
	UserName      *string         `json:"user_name" validate:"required"`
	Time          *string         `json:"time" validate:"required"`
	Thought       json.RawMessage `json:"thought" validate:"required"`
}

type wireBackground struct {
	JobTitle    *string `json:"job_title" validate:"required"`
	Description *string `json:"description" validate:"required"`
}

type wireTask struct {
	Name        *string `json:"name" validate:"required"`
	Description *string `json:"description" validate:"required"`
}

// Only tasks is constrained; the rest of an objective thought is opaque.
type wireObjective struct {
	Tasks []wireTask `json:"tasks" validate:"required,dive"`
}

// Parse validates one raw JSON record and returns the matching variant.
// Numbers in the kept record are json.Number so they survive re-encoding
// unchanged.
func Parse(raw []byte) (Event, error) {
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, violation("record is null")
	}

	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, violation("envelope: %v", err)
	}
	if err := validate.Struct(&wire); err != nil {
		return nil, violation("envelope: %v", formatValidationError(err))
	}

	tag := Tag(*wire.Tag)
	if !IsValidTag(tag) {
		return nil, violation("unknown tag %q", tag)
	}
	thought, ok := record["thought"].(map[string]any)
	if !ok {
		return nil, violation("thought must be an object")
	}

	b := base{
		envelope: Envelope{
			Tag:           tag,
			IsCompromised: *wire.IsCompromised,
			UUID:          *wire.UUID,
			UserName:      *wire.UserName,
			Time:          *wire.Time,
		},
		record:  record,
		thought: thought,
	}

	switch tag {
	case TagBackground:
		var bg wireBackground
		if err := decodeThought(wire.Thought, &bg); err != nil {
			return nil, err
		}
		return &Background{base: b, JobTitle: *bg.JobTitle, Description: *bg.Description}, nil

	case TagObjective:
		var obj wireObjective
		if err := decodeThought(wire.Thought, &obj); err != nil {
			return nil, err
		}
		tasks := make([]Task, 0, len(obj.Tasks))
		for _, t := range obj.Tasks {
			tasks = append(tasks, Task{Name: *t.Name, Description: *t.Description})
		}
		return &Objective{
			base:        b,
			Name:        stringField(thought, "name"),
			Description: stringField(thought, "description"),
			Tasks:       tasks,
		}, nil

	case TagLog:
		return &Log{base: b}, nil
	}

	// Unreachable: IsValidTag admitted the tag above.
	return nil, violation("unhandled tag %q", tag)
}

// Validate checks an already decoded record.
func Validate(record map[string]any) (Event, error) {
	if record == nil {
		return nil, violation("record is null")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, violation("record cannot be encoded: %v", err)
	}
	return Parse(raw)
}

func decodeRecord(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, violation("record is not a JSON object: %v", err)
	}
	if dec.More() {
		return nil, violation("record is not a JSON object: trailing data after value")
	}
	return record, nil
}

func decodeThought(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return violation("thought: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return violation("thought: %v", formatValidationError(err))
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaViolation, fmt.Sprintf(format, args...))
}

// formatValidationError lists the offending wire fields.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Tag() == "required" {
			msgs = append(msgs, fmt.Sprintf("missing required field %q", field))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field %q failed %q", field, fe.Tag()))
	}
	return errors.New(strings.Join(msgs, ", "))
}
