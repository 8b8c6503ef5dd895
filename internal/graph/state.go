// Package graph implements the typed-state execution engine: nodes over a
// reduced state map, static and conditional edges, and human-in-the-loop
// interrupts with durable resume.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarry-lab/conductor/internal/messages"
)

// Field names every graph carries.
const (
	FieldInternalMessages = "internal_messages"
	FieldMessages         = "messages"
	FieldSender           = "sender"
)

// FieldKind fixes a field's value type so snapshots round-trip.
type FieldKind int

const (
	KindMessages FieldKind = iota // []messages.Message
	KindString                    // string
	KindInt                       // int
)

// Reducer combines the previous and incoming value of one field. Reducers
// must be pure and total.
type Reducer func(prev, incoming any) any

// FieldSpec declares one state field.
type FieldSpec struct {
	Kind   FieldKind
	Reduce Reducer
}

// Schema maps field names to their specs.
type Schema map[string]FieldSpec

// BaseSchema returns the fields every graph has: internal_messages (append),
// messages (replace), sender (replace).
func BaseSchema() Schema {
	return Schema{
		FieldInternalMessages: {Kind: KindMessages, Reduce: Append},
		FieldMessages:         {Kind: KindMessages, Reduce: Replace},
		FieldSender:           {Kind: KindString, Reduce: Replace},
	}
}

// Merge overlays extra fields onto a schema, returning a new one.
func (s Schema) Merge(extra Schema) Schema {
	out := make(Schema, len(s)+len(extra))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Append concatenates message slices.
func Append(prev, incoming any) any {
	p := asMessages(prev)
	in := asMessages(incoming)
	if len(in) == 0 {
		return p
	}
	out := make([]messages.Message, 0, len(p)+len(in))
	out = append(out, p...)
	return append(out, in...)
}

// Replace overwrites with the incoming value.
func Replace(prev, incoming any) any {
	if incoming == nil {
		return prev
	}
	return incoming
}

// ConcatSpace accumulates strings joined by a single space. Left-associative;
// empty incoming is a no-op.
func ConcatSpace(prev, incoming any) any {
	p, _ := prev.(string)
	in, _ := incoming.(string)
	if in == "" {
		return p
	}
	if p == "" {
		return in
	}
	return p + " " + in
}

// ConcatLines accumulates strings joined by newlines. Left-associative;
// empty incoming is a no-op.
func ConcatLines(prev, incoming any) any {
	p, _ := prev.(string)
	in, _ := incoming.(string)
	if in == "" {
		return p
	}
	if p == "" {
		return in
	}
	return p + "\n" + in
}

// Sum adds integer increments.
func Sum(prev, incoming any) any {
	return asInt(prev) + asInt(incoming)
}

func asMessages(v any) []messages.Message {
	switch m := v.(type) {
	case []messages.Message:
		return m
	case messages.Message:
		return []messages.Message{m}
	case nil:
		return nil
	default:
		return nil
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// State is one run's typed field map. The engine is the sole mutator; nodes
// read through the accessors and write by returning updates.
type State struct {
	schema Schema
	values map[string]any

	resume *string
}

// NewState creates a state with every schema field at its zero value.
func NewState(schema Schema) *State {
	values := make(map[string]any, len(schema))
	for name, spec := range schema {
		values[name] = zeroValue(spec.Kind)
	}
	return &State{schema: schema, values: values}
}

func zeroValue(kind FieldKind) any {
	switch kind {
	case KindMessages:
		return []messages.Message(nil)
	case KindInt:
		return 0
	default:
		return ""
	}
}

// Apply folds an update into the state through each field's reducer. Unknown
// fields are an error so node typos fail loudly.
func (s *State) Apply(update map[string]any) error {
	for name, incoming := range update {
		spec, ok := s.schema[name]
		if !ok {
			return fmt.Errorf("graph: unknown state field %q", name)
		}
		s.values[name] = spec.Reduce(s.values[name], incoming)
	}
	return nil
}

// Get returns a field's raw value.
func (s *State) Get(name string) any { return s.values[name] }

// String returns a string field.
func (s *State) String(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// Int returns an integer field.
func (s *State) Int(name string) int { return asInt(s.values[name]) }

// Messages returns a message-list field. The slice is shared; callers must
// not mutate it.
func (s *State) Messages(name string) []messages.Message {
	return asMessages(s.values[name])
}

// LastInternal returns the newest internal message.
func (s *State) LastInternal() (messages.Message, bool) {
	return messages.Last(s.Messages(FieldInternalMessages))
}

// ResumeInput consumes the pending resume value, if the run was resumed into
// this node. The second call returns false: one interrupt, one answer.
func (s *State) ResumeInput() (string, bool) {
	if s.resume == nil {
		return "", false
	}
	v := *s.resume
	s.resume = nil
	return v, true
}

// snapshot is the durable encoding of a paused run.
type snapshot struct {
	PausedAt string                     `json:"paused_at"`
	Payload  messages.Message           `json:"payload"`
	Values   map[string]json.RawMessage `json:"values"`
}

func (s *State) encode(pausedAt string, payload messages.Message) ([]byte, error) {
	snap := snapshot{
		PausedAt: pausedAt,
		Payload:  payload,
		Values:   make(map[string]json.RawMessage, len(s.values)),
	}
	for name, v := range s.values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		snap.Values[name] = raw
	}
	return json.Marshal(snap)
}

func decodeState(schema Schema, data []byte) (*State, *snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	state := NewState(schema)
	for name, raw := range snap.Values {
		spec, ok := schema[name]
		if !ok {
			continue // field removed since the pause; drop it
		}
		switch spec.Kind {
		case KindMessages:
			var msgs []messages.Message
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return nil, nil, fmt.Errorf("decode field %q: %w", name, err)
			}
			state.values[name] = msgs
		case KindInt:
			var n int
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, nil, fmt.Errorf("decode field %q: %w", name, err)
			}
			state.values[name] = n
		default:
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				return nil, nil, fmt.Errorf("decode field %q: %w", name, err)
			}
			state.values[name] = str
		}
	}
	return state, &snap, nil
}

// Summary renders a short debug view of the state for logs.
func (s *State) Summary() string {
	var sb strings.Builder
	for name, v := range s.values {
		switch val := v.(type) {
		case []messages.Message:
			fmt.Fprintf(&sb, "%s=%d msgs ", name, len(val))
		case string:
			if val != "" {
				fmt.Fprintf(&sb, "%s=%dch ", name, len(val))
			}
		case int:
			if val != 0 {
				fmt.Fprintf(&sb, "%s=%d ", name, val)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}
