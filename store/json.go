package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SplitJSONRecords turns an append body into storage records. A top-level
// array is split into one record per element; anything else is a single
// record. Every record is stored with a trailing comma so that a range read
// is a plain concatenation: wrap the fragments in "[" and swap the final
// comma for "]".
func SplitJSONRecords(data []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}

	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: %.64s", ErrInvalidJSON, trimmed)
		}
		return [][]byte{frameRecord(trimmed)}, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	records := make([][]byte, 0, len(elements))
	for _, el := range elements {
		records = append(records, frameRecord(bytes.TrimSpace(el)))
	}
	return records, nil
}

func frameRecord(element []byte) []byte {
	rec := make([]byte, 0, len(element)+1)
	rec = append(rec, element...)
	return append(rec, ',')
}

// FormatJSONResponse assembles stored fragments into a JSON array without
// re-parsing any payload.
func FormatJSONResponse(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}

	total := 2
	for _, msg := range messages {
		total += len(msg.Data)
	}

	result := make([]byte, 0, total)
	result = append(result, '[')
	for _, msg := range messages {
		result = append(result, msg.Data...)
	}
	// Every fragment ends with a comma; the last one becomes the closer.
	if result[len(result)-1] == ',' {
		result[len(result)-1] = ']'
	} else {
		result = append(result, ']')
	}
	return result
}

// FormatSingleJSONMessage strips the storage framing from one fragment,
// yielding the original element. Used for SSE, where each message travels
// alone.
func FormatSingleJSONMessage(data []byte) []byte {
	if n := len(data); n > 0 && data[n-1] == ',' {
		return data[:n-1]
	}
	return data
}
