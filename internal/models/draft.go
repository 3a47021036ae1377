package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DraftKind determines the remote destination of a draft
type DraftKind string

const (
	DraftKindContainer  DraftKind = "container"
	DraftKindTask       DraftKind = "task"
	DraftKindMediaBatch DraftKind = "media_batch"
	DraftKindQCResult   DraftKind = "qc_result"
)

// DraftKinds lists every kind the UI may create
var DraftKinds = []DraftKind{
	DraftKindContainer,
	DraftKindTask,
	DraftKindMediaBatch,
	DraftKindQCResult,
}

// IsValid reports whether k is one of the known kinds
func (k DraftKind) IsValid() bool {
	for _, known := range DraftKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ErrDuplicateField is returned when a JSON payload names a field twice
var ErrDuplicateField = errors.New("duplicate payload field")

// Field is one named value of a draft payload
type Field struct {
	Name  string          `json:"name" validate:"required"`
	Value json.RawMessage `json:"value"`
}

// Payload is an ordered mapping of field name to value.
// It marshals to a JSON object with fields in insertion order.
type Payload []Field

// Get returns the raw value of the named field
func (p Payload) Get(name string) (json.RawMessage, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set appends a field, or replaces the value in place when the name exists
func (p Payload) Set(name string, value interface{}) (Payload, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return p, fmt.Errorf("failed to encode field %s: %w", name, err)
	}
	for i := range p {
		if p[i].Name == name {
			p[i].Value = raw
			return p, nil
		}
	}
	return append(p, Field{Name: name, Value: raw}), nil
}

// Clone returns a deep copy of the payload
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for i, f := range p {
		out[i] = Field{Name: f.Name, Value: append(json.RawMessage(nil), f.Value...)}
	}
	return out
}

// MarshalJSON writes the payload as a JSON object preserving field order
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(f.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the order fields appear in.
// A field name may appear only once.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}

	out := Payload{}
	seen := make(map[string]struct{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("payload key must be a string")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateField, key)
		}
		seen[key] = struct{}{}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode field %s: %w", key, err)
		}
		out = append(out, Field{Name: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = out
	return nil
}

// Draft is a durably persisted pending write awaiting remote confirmation.
// Only Synced changes after creation.
type Draft struct {
	ID        string    `json:"id" badgerhold:"key"`
	Kind      DraftKind `json:"type" badgerhold:"index"`
	Payload   Payload   `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	Synced    bool      `json:"synced" badgerhold:"index"`
}
