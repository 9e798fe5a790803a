package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Validator normalizes raw params into the value handed to the action
// body. A failed parse rejects the whole request with InvalidInputError.
type Validator interface {
	Parse(raw json.RawMessage) (any, error)
}

// InvalidInputError reports params rejected by a validator.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// Schema is a Validator that decodes params strictly into T: unknown
// fields, type mismatches, and trailing data are all rejected. Absent and
// null params decode the zero T.
type Schema[T any] struct{}

func (Schema[T]) Parse(raw json.RawMessage) (any, error) {
	if isEmptyParams(raw) {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}
	if dec.More() {
		return nil, &InvalidInputError{Reason: "trailing data after params"}
	}
	return v, nil
}

// ValidateParams applies v to raw. Without a validator the params are
// decoded as generic JSON so downstream fingerprinting still sees a
// normalized value.
func ValidateParams(v Validator, raw json.RawMessage) (any, error) {
	if v != nil {
		return v.Parse(raw)
	}

	if isEmptyParams(raw) {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}
	return out, nil
}

func isEmptyParams(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
