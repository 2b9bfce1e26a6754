package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// marshalDetails converts run details to canonical JSON TEXT for storage.
func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	data, err := record.MarshalCanonical(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(data), nil
}

// unmarshalDetails parses stored run details, keeping numbers as json.Number.
func unmarshalDetails(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return details, nil
}
