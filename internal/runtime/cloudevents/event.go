// Package cloudevents renders relayed envelopes as CloudEvents v1.0 in the
// structured JSON mode, for sinks whose consumers expect that format.
package cloudevents

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/codec"
	idspkg "github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentType is the media type of a structured-mode event.
const ContentType = "application/cloudevents+json"

// Extension attributes carrying the envelope routing data. CloudEvents
// restricts extension names to lower-case letters and digits.
const (
	ExtChannel  = "zmqflowchannel"
	ExtNode     = "zmqflownode"
	ExtChecksum = "zmqflowchecksum"
	ExtHead     = "zmqflowhead"
)

// TypePrefix prefixes the lower-cased command in the event type.
const TypePrefix = "zmqflow."

var knownAttrs = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"subject":         true,
	"data":            true,
}

// Event is a CloudEvents v1.0 event. Extensions are flattened into the
// top-level object when marshalled.
type Event struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	Subject         string
	Data            any
	Extensions      map[string]any
}

// New creates an event with a ULID id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.CreateULID(),
		Time:        time.Now().UTC(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

// FromEnvelope converts a received envelope. The body becomes the JSON data,
// the channel the subject, and the meta and head travel as extensions.
func FromEnvelope(env codec.Envelope, source string) (Event, error) {
	if source == "" {
		source = "zmqflow"
	}
	if env.Meta.Node != "" {
		source = source + "/" + env.Meta.Node
	}
	data, err := jsoncodec.Normalize(env.Body)
	if err != nil {
		return Event{}, fmt.Errorf("cloudevents: %w", err)
	}

	evt := New(TypePrefix+strings.ToLower(env.Meta.Command), source, data).
		WithDataContentType("application/json")
	if env.Meta.Channel != "" {
		evt = evt.WithSubject(env.Meta.Channel).WithExtension(ExtChannel, env.Meta.Channel)
	}
	if env.Meta.Node != "" {
		evt = evt.WithExtension(ExtNode, env.Meta.Node)
	}
	if env.Meta.Checksum != 0 {
		evt = evt.WithExtension(ExtChecksum, fmt.Sprintf("%08x", env.Meta.Checksum))
	}
	if len(env.Head) > 0 {
		head, err := jsoncodec.Marshal(env.Head)
		if err != nil {
			return Event{}, fmt.Errorf("cloudevents: %w", err)
		}
		evt = evt.WithExtension(ExtHead, string(head))
	}
	return evt, nil
}

func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

func (e Event) WithDataContentType(contentType string) Event {
	e.DataContentType = contentType
	return e
}

// WithExtension sets an extension attribute on a copy of the event.
func (e Event) WithExtension(key string, value any) Event {
	ext := make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		ext[k] = v
	}
	ext[key] = value
	e.Extensions = ext
	return e
}

// ExtensionString returns an extension as a string, or "" when missing.
func (e Event) ExtensionString(key string) string {
	v, ok := e.Extensions[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Validate checks the required attributes and the extension names.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("type is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.ID == "":
		return fmt.Errorf("id is required")
	}
	for name := range e.Extensions {
		if knownAttrs[name] || !validExtensionName(name) {
			return fmt.Errorf("invalid extension name %q", name)
		}
	}
	return nil
}

func validExtensionName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// MarshalJSON writes the structured-mode JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(knownAttrs)+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}
	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON reads the structured-mode JSON object. Unknown attributes
// become extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	out := Event{Extensions: make(map[string]any)}
	str := func(key string, dst *string) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("invalid %s: expected a string", key)
		}
		*dst = s
		return nil
	}
	for key, dst := range map[string]*string{
		"specversion":     &out.SpecVersion,
		"type":            &out.Type,
		"source":          &out.Source,
		"id":              &out.ID,
		"datacontenttype": &out.DataContentType,
		"subject":         &out.Subject,
	} {
		if err := str(key, dst); err != nil {
			return err
		}
	}

	var ts string
	if err := str("time", &ts); err != nil {
		return err
	}
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		out.Time = t
	}
	out.Data = m["data"]

	for k, v := range m {
		if !knownAttrs[k] {
			out.Extensions[k] = v
		}
	}
	*e = out
	return nil
}
