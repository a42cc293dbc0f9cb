// Package codec converts envelopes to and from their wire text.
//
// An envelope on the wire is a flat JSON object whose "type" member selects the
// schema of the remaining members:
//
//	{"type":"USER_JOINED","username":"alice","intent":"create"}
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrEmptyType = errors.New("envelope type is empty")
	ErrNotObject = errors.New("envelope payload is not an object")
)

// Envelope is one typed message. Payload holds the flat object members,
// the "type" member included for inbound envelopes.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeError reports inbound data that cannot be turned into an envelope
// or into the schema its type selects.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewEnvelope builds an outbound envelope from a payload struct.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrEmptyType
	}
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	if !gjson.ParseBytes(b).IsObject() {
		return Envelope{}, ErrNotObject
	}
	env.Payload = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads known to marshal.
func MustEnvelope(typ string, payload any) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	payload := []byte(env.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	} else if !gjson.ParseBytes(payload).IsObject() {
		return nil, ErrNotObject
	}
	b, err := sjson.SetBytes(payload, "type", env.Type)
	if err != nil {
		return nil, fmt.Errorf("set envelope type: %w", err)
	}
	return b, nil
}

func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, &DecodeError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, &DecodeError{Reason: "envelope is not an object"}
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, &DecodeError{Reason: "missing envelope type"}
	}
	return Envelope{
		Type:    typ.Str,
		Payload: append(json.RawMessage(nil), data...),
	}, nil
}

// Unmarshal decodes the envelope members into v.
func (env Envelope) Unmarshal(v any) error {
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &DecodeError{Reason: env.Type + " payload", Err: err}
	}
	return nil
}

// Field returns a single payload member without a full decode.
func (env Envelope) Field(path string) gjson.Result {
	return gjson.GetBytes(env.Payload, path)
}
