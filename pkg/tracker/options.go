package tracker

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownField indicates a path that names no stored field.
var ErrUnknownField = errors.New("unknown field")

// Field names a stored attribute of a subscription or destination.
type Field string

// Subscription fields.
const (
	FieldName            Field = "name"
	FieldLastPublishedAt Field = "last_published_at"
	FieldProcessedIDs    Field = "processed_ids"
	FieldErrorCount      Field = "error_count"
	FieldLastErrorAt     Field = "last_error_at"
)

// Destination fields.
const (
	FieldMessage      Field = "message"
	FieldMention      Field = "mention"
	FieldPublish      Field = "publish"
	FieldPlain        Field = "plain"
	FieldPreviousName Field = "previous_name"
)

// Path addresses one field. Destination is empty for subscription-level fields.
type Path struct {
	Destination string
	Field       Field
}

func (p Path) String() string {
	if p.Destination == "" {
		return string(p.Field)
	}
	return "destinations." + p.Destination + "." + string(p.Field)
}

func (p Path) destinationField() bool {
	switch p.Field {
	case FieldMessage, FieldMention, FieldPublish, FieldPlain, FieldPreviousName:
		return true
	}
	return false
}

// Set assigns value to the field at p. Other fields and destinations are left untouched.
func (s *Subscription) Set(p Path, value any) error {
	if p.destinationField() {
		d, ok := s.Destinations[p.Destination]
		if !ok {
			return fmt.Errorf("destination %s: %w", p.Destination, ErrNotFound)
		}
		return d.set(p, value)
	}

	var ok bool
	switch p.Field {
	case FieldName:
		s.Name, ok = value.(string)
	case FieldLastPublishedAt:
		s.LastPublishedAt, ok = value.(time.Time)
	case FieldProcessedIDs:
		var ids []string
		if ids, ok = value.([]string); ok {
			if len(ids) > MaxProcessed {
				ids = ids[:MaxProcessed]
			}
			s.ProcessedIDs = append([]string(nil), ids...)
		}
	case FieldErrorCount:
		s.ErrorCount, ok = value.(int)
	case FieldLastErrorAt:
		s.LastErrorAt, ok = value.(time.Time)
	default:
		return fmt.Errorf("%s: %w", p, ErrUnknownField)
	}
	if !ok {
		return fmt.Errorf("%s: unexpected value type %T", p, value)
	}
	return nil
}

// Clear resets the field at p to its unset value.
func (s *Subscription) Clear(p Path) error {
	if p.destinationField() {
		d, ok := s.Destinations[p.Destination]
		if !ok {
			return fmt.Errorf("destination %s: %w", p.Destination, ErrNotFound)
		}
		switch p.Field {
		case FieldMessage:
			d.Message = nil
		case FieldMention:
			d.Mention = nil
		case FieldPublish:
			d.Publish = false
		case FieldPlain:
			d.Plain = false
		case FieldPreviousName:
			d.PreviousName = ""
		}
		return nil
	}

	switch p.Field {
	case FieldName:
		s.Name = ""
	case FieldLastPublishedAt:
		s.LastPublishedAt = time.Time{}
	case FieldProcessedIDs:
		s.ProcessedIDs = nil
	case FieldErrorCount:
		s.ErrorCount = 0
	case FieldLastErrorAt:
		s.LastErrorAt = time.Time{}
	default:
		return fmt.Errorf("%s: %w", p, ErrUnknownField)
	}
	return nil
}

func (d *Destination) set(p Path, value any) error {
	var ok bool
	switch p.Field {
	case FieldMessage:
		var m string
		if m, ok = value.(string); ok {
			d.Message = &m
		}
	case FieldMention:
		var m Mention
		if m, ok = value.(Mention); ok {
			d.Mention = &m
		}
	case FieldPublish:
		d.Publish, ok = value.(bool)
	case FieldPlain:
		d.Plain, ok = value.(bool)
	case FieldPreviousName:
		d.PreviousName, ok = value.(string)
	}
	if !ok {
		return fmt.Errorf("%s: unexpected value type %T", p, value)
	}
	return nil
}

// Option is a per-destination setting. A nil payload clears the setting.
type Option interface {
	Path(destination string) Path
	Value() (any, bool)
}

// MessageOption sets or clears the custom template.
type MessageOption struct {
	Template *string
}

func (o MessageOption) Path(destination string) Path {
	return Path{Destination: destination, Field: FieldMessage}
}

func (o MessageOption) Value() (any, bool) {
	if o.Template == nil {
		return nil, false
	}
	return *o.Template, true
}

// MentionOption sets or clears the mention target.
type MentionOption struct {
	Target *Mention
}

func (o MentionOption) Path(destination string) Path {
	return Path{Destination: destination, Field: FieldMention}
}

func (o MentionOption) Value() (any, bool) {
	if o.Target == nil {
		return nil, false
	}
	return *o.Target, true
}

// PublishOption sets or clears publishing after send.
type PublishOption struct {
	Enabled *bool
}

func (o PublishOption) Path(destination string) Path {
	return Path{Destination: destination, Field: FieldPublish}
}

func (o PublishOption) Value() (any, bool) {
	if o.Enabled == nil {
		return nil, false
	}
	return *o.Enabled, true
}

// PlainOption sets or clears the plain link preference.
type PlainOption struct {
	Enabled *bool
}

func (o PlainOption) Path(destination string) Path {
	return Path{Destination: destination, Field: FieldPlain}
}

func (o PlainOption) Value() (any, bool) {
	if o.Enabled == nil {
		return nil, false
	}
	return *o.Enabled, true
}
