package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrValidation marks a malformed event or request shape.
	ErrValidation = errors.New("validation failed")
	// ErrSignature marks a missing or incorrect ingress signature.
	ErrSignature = errors.New("signature rejected")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Event is a message carried by the bus and stored in the durable log.
type Event struct {
	ID       string          `json:"id"`
	Topic    Topic           `json:"topic"`
	Source   Source          `json:"source"`
	Type     string          `json:"type"`
	TS       time.Time       `json:"ts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Replayed bool            `json:"replayed"`
}

// Validate checks the event shape. ID and TS may be empty.
func (e Event) Validate() error {
	if !e.Topic.Valid() {
		return validationErrorf("unknown topic %q", e.Topic)
	}
	if !e.Source.Valid() {
		return validationErrorf("unknown source %q", e.Source)
	}
	if strings.TrimSpace(e.Type) == "" {
		return validationErrorf("type is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return validationErrorf("payload is not valid JSON")
	}
	return nil
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// MustPayload marshals v for use as an event payload. It panics only for
// values that cannot be encoded, which is a programming error.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("bus: encode payload: %v", err))
	}
	return b
}

// Filter selects events from the durable log.
type Filter struct {
	Topics []Topic
	Limit  int
	Since  time.Time
}

const (
	DefaultFetchLimit = 100
	MaxFetchLimit     = 1000
)

// Normalized applies the default and maximum limits.
func (f Filter) Normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultFetchLimit
	}
	if f.Limit > MaxFetchLimit {
		f.Limit = MaxFetchLimit
	}
	return f
}

const externalEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["topic", "source", "type"],
  "additionalProperties": false,
  "properties": {
    "id":      {"type": "string", "minLength": 1, "maxLength": 128},
    "topic":   {"enum": ["System", "Deploy", "Governor", "Economy", "Vault"]},
    "source":  {"enum": ["StarBridge", "MagneticRail", "VectorLedger", "Watchdog", "Conduit",
                         "ComputeGovernor", "DeployKeeper", "EnvKeeper", "DreamScope",
                         "GitHub", "Vercel", "External"]},
    "type":    {"type": "string", "minLength": 1, "maxLength": 256},
    "ts":      {"type": "string"},
    "payload": {}
  }
}`

var (
	externalSchemaOnce sync.Once
	externalSchema     *jsonschema.Schema
	externalSchemaErr  error
)

func compiledExternalSchema() (*jsonschema.Schema, error) {
	externalSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(externalEventSchema))
		if err != nil {
			externalSchemaErr = fmt.Errorf("parse ingress schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("external-event.json", doc); err != nil {
			externalSchemaErr = fmt.Errorf("add ingress schema: %w", err)
			return
		}
		externalSchema, externalSchemaErr = c.Compile("external-event.json")
	})
	return externalSchema, externalSchemaErr
}

type externalEnvelope struct {
	ID      string          `json:"id"`
	Topic   Topic           `json:"topic"`
	Source  Source          `json:"source"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// ParseExternal validates a raw ingress body against the ingress schema and
// decodes it into an Event. Every failure wraps ErrValidation.
func ParseExternal(raw []byte) (Event, error) {
	sch, err := compiledExternalSchema()
	if err != nil {
		return Event{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, validationErrorf("body is not valid JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Event{}, validationErrorf("%v", err)
	}

	var env externalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, validationErrorf("decode body: %v", err)
	}
	ev := Event{
		ID:      env.ID,
		Topic:   env.Topic,
		Source:  env.Source,
		Type:    env.Type,
		Payload: env.Payload,
	}
	if bytes.Equal(bytes.TrimSpace(ev.Payload), []byte("null")) {
		ev.Payload = nil
	}
	if env.TS != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.TS)
		if err != nil {
			return Event{}, validationErrorf("ts must be RFC 3339: %v", err)
		}
		ev.TS = ts.UTC()
	}
	return ev, ev.Validate()
}
