package bus

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope frames every bus message: a type tag for dispatch plus the
// type-specific payload, both JSON.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload under typ. A nil payload yields a bare tag.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	env.Payload = raw
	return env, nil
}

// MarshalJSONBytes renders the envelope for the wire.
func (e Envelope) MarshalJSONBytes() ([]byte, error) {
	raw, err := json.Marshal(e)
	return raw, errors.Wrap(err, "marshal envelope")
}

// ParseEnvelope decodes a wire message, rejecting envelopes without a type
// tag so handlers never dispatch on an empty string.
func ParseEnvelope(raw []byte) (Envelope, error) {
	env := Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "parse envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	return env, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	return errors.Wrapf(json.Unmarshal(e.Payload, out), "decode %s payload", e.Type)
}
