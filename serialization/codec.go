package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/glimte/taskbus/contracts"
	"github.com/go-playground/validator/v10"
)

// ContentType is the content type of every serialized event
const ContentType = "application/json"

// ErrDeserialization matches every DecodeError
var ErrDeserialization = errors.New("serialization: payload does not match event type")

var validate = validator.New()

// DecodeError reports a payload that cannot be read as the expected event
type DecodeError struct {
	EventName string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("serialization: cannot decode %s: %v", e.EventName, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDeserialization) hold for any DecodeError
func (e *DecodeError) Is(target error) bool {
	return target == ErrDeserialization
}

// Marshal encodes an event as UTF-8 JSON
func Marshal(event contracts.Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", event.EventName(), err)
	}
	return body, nil
}

// Unmarshal decodes a payload into the event type E. Unknown fields, trailing
// data and failed validation are decode errors, so a payload of another event
// type is not silently accepted.
func Unmarshal[E contracts.Event](body []byte) (E, error) {
	var event E
	name := event.EventName()

	if err := decodeStrict(body, &event); err != nil {
		var zero E
		return zero, &DecodeError{EventName: name, Err: err}
	}
	if err := validate.Struct(event); err != nil {
		var zero E
		return zero, &DecodeError{EventName: name, Err: err}
	}
	return event, nil
}

// UnmarshalNamed decodes a payload into the event registered under name
func UnmarshalNamed(registry *TypeRegistry, name string, body []byte) (contracts.Event, error) {
	event, err := registry.New(name)
	if err != nil {
		return nil, &DecodeError{EventName: name, Err: err}
	}
	if err := decodeStrict(body, event); err != nil {
		return nil, &DecodeError{EventName: name, Err: err}
	}
	if err := validate.Struct(event); err != nil {
		return nil, &DecodeError{EventName: name, Err: err}
	}
	return event, nil
}

func decodeStrict(body []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(target); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after event")
	}
	return nil
}
