package store

import (
	"bytes"
	"errors"
	"testing"

	"github.com/streamhouse/streamhouse/engine"
)

func TestSplitJSONRecords_Array(t *testing.T) {
	records, err := SplitJSONRecords([]byte(`[{"a":1}, {"b":2}, 3]`))
	if err != nil {
		t.Fatalf("SplitJSONRecords failed: %v", err)
	}
	want := [][]byte{[]byte(`{"a":1},`), []byte(`{"b":2},`), []byte(`3,`)}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i := range want {
		if !bytes.Equal(records[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, records[i], want[i])
		}
	}
}

func TestSplitJSONRecords_SingleValue(t *testing.T) {
	records, err := SplitJSONRecords([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("SplitJSONRecords failed: %v", err)
	}
	if len(records) != 1 || !bytes.Equal(records[0], []byte(`{"a":1},`)) {
		t.Errorf("records = %q", records)
	}
}

func TestSplitJSONRecords_EmptyArray(t *testing.T) {
	records, err := SplitJSONRecords([]byte(`[]`))
	if err != nil {
		t.Fatalf("SplitJSONRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("empty array produced %d records", len(records))
	}
}

func TestSplitJSONRecords_Invalid(t *testing.T) {
	if _, err := SplitJSONRecords([]byte(`{broken`)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("invalid JSON: err = %v, want ErrInvalidJSON", err)
	}
	if _, err := SplitJSONRecords([]byte(`[1, 2`)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("truncated array: err = %v, want ErrInvalidJSON", err)
	}
	if _, err := SplitJSONRecords([]byte("  ")); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("blank body: err = %v, want ErrEmptyBody", err)
	}
}

func TestFormatJSONResponse(t *testing.T) {
	messages := []Message{
		{Data: []byte(`{"a":1},`), Offset: engine.Offset{ByteOffset: 8}},
		{Data: []byte(`{"b":2},`), Offset: engine.Offset{ByteOffset: 16}},
	}
	got := FormatJSONResponse(messages)
	want := `[{"a":1},{"b":2}]`
	if string(got) != want {
		t.Errorf("FormatJSONResponse = %s, want %s", got, want)
	}

	if got := FormatJSONResponse(nil); string(got) != "[]" {
		t.Errorf("empty response = %s, want []", got)
	}
}

func TestFormatSingleJSONMessage(t *testing.T) {
	if got := FormatSingleJSONMessage([]byte(`{"a":1},`)); string(got) != `{"a":1}` {
		t.Errorf("FormatSingleJSONMessage = %s", got)
	}
	if got := FormatSingleJSONMessage([]byte(`raw`)); string(got) != `raw` {
		t.Errorf("unframed data changed: %s", got)
	}
}

func TestSplitThenFormatRoundTrip(t *testing.T) {
	body := []byte(`[{"x":1},"two",[3,4]]`)
	records, err := SplitJSONRecords(body)
	if err != nil {
		t.Fatalf("SplitJSONRecords failed: %v", err)
	}
	messages := make([]Message, len(records))
	for i, r := range records {
		messages[i] = Message{Data: r}
	}
	got := FormatJSONResponse(messages)
	want := `[{"x":1},"two",[3,4]]`
	if string(got) != want {
		t.Errorf("round trip = %s, want %s", got, want)
	}
}
