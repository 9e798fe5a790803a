package action

import (
	"encoding/json"
	"fmt"
)

// Fingerprint returns the canonical JSON encoding of validated params,
// used as the subscription deduplication key. Marshalling round-trips
// through generic JSON so object keys come out sorted regardless of the
// validator's output type; nil and null both canonicalize to {}.
func Fingerprint(params any) (string, error) {
	if params == nil {
		return "{}", nil
	}

	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}

	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", fmt.Errorf("failed to normalize params: %w", err)
	}
	if generic == nil {
		return "{}", nil
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical params: %w", err)
	}
	return string(out), nil
}
