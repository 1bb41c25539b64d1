package contracts

import "encoding/json"

// Validate checks that an envelope carries the fields every transport
// relies on: id, sender, recipient and a known message type. Unknown or
// extra fields are passed through untouched. Validate has no side
// effects and never mutates the envelope, so it is safe to call
// repeatedly on the same value.
func Validate(e *Envelope) error {
	if e == nil {
		return &ValidationError{Fields: []string{"envelope"}}
	}

	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.Sender == "" {
		missing = append(missing, "sender")
	}
	if e.Recipient == "" {
		missing = append(missing, "recipient")
	}
	if e.Type == "" {
		missing = append(missing, "type")
	} else if _, ok := knownMessageTypes[e.Type]; !ok {
		missing = append(missing, "type")
	}

	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// ValidateRaw decodes a JSON-encoded envelope and validates it. Callers
// must not use an envelope that failed validation.
func ValidateRaw(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ValidationError{Fields: []string{"envelope"}, cause: err}
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
