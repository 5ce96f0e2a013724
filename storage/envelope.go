package storage

import (
	"encoding/json"
	"fmt"
)

// SchemeJSON marks an envelope whose Data is a JSON document.
const SchemeJSON = "json"

// Envelope is a stored record with its optimistic-concurrency version.
type Envelope struct {
	Ver     int    `json:"ver"`
	Scheme  string `json:"scheme"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Encode marshals v into a JSON envelope carrying the given version.
func Encode(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Envelope{
		Ver:     1,
		Scheme:  SchemeJSON,
		Data:    data,
		Version: version,
	}, nil
}

// Decode unmarshals the JSON document held by env into v.
func Decode(env *Envelope, v any) error {
	if env.Ver != 1 {
		return fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != SchemeJSON {
		return fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
