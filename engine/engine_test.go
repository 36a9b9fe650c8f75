package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateStreamIdempotent(t *testing.T) {
	e := newTestEngine(t)

	s1, created, err := e.CreateStream("/orders", CreateStreamOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if !created {
		t.Error("first create: created = false, want true")
	}

	s2, created, err := e.CreateStream("/orders", CreateStreamOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("second CreateStream: %v", err)
	}
	if created {
		t.Error("second create: created = true, want false")
	}
	if s2.ContentType != s1.ContentType {
		t.Errorf("second create changed content type to %q", s2.ContentType)
	}
	if s2.LogFileID != s1.LogFileID {
		t.Errorf("second create changed log file id")
	}
}

func TestAppendAndRead(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/logs", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var offsets []Offset
	for _, p := range payloads {
		rec, err := e.Append("/logs", p)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		offsets = append(offsets, rec.Offset)
	}

	for i := 1; i < len(offsets); i++ {
		if !offsets[i-1].LessThan(offsets[i]) {
			t.Errorf("offsets not strictly increasing: %v then %v", offsets[i-1], offsets[i])
		}
	}

	msgs, err := e.Read("/logs", ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != len(payloads) {
		t.Fatalf("Read returned %d messages, want %d", len(msgs), len(payloads))
	}
	for i, m := range msgs {
		if !bytes.Equal(m.Data, payloads[i]) {
			t.Errorf("message %d = %q, want %q", i, m.Data, payloads[i])
		}
	}

	// Reading after the first message's offset skips it.
	msgs, err = e.Read("/logs", offsets[0])
	if err != nil {
		t.Fatalf("Read after offset: %v", err)
	}
	if len(msgs) != 2 || !bytes.Equal(msgs[0].Data, []byte("second")) {
		t.Errorf("Read after first offset = %d messages starting %q", len(msgs), msgs[0].Data)
	}

	// Reading from the tail yields nothing.
	tail, err := e.GetCurrentOffset("/logs")
	if err != nil {
		t.Fatalf("GetCurrentOffset: %v", err)
	}
	msgs, err = e.Read("/logs", tail)
	if err != nil {
		t.Fatalf("Read at tail: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Read at tail returned %d messages", len(msgs))
	}
}

func TestAppendAllBatch(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/batch", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	records, err := e.AppendAll("/batch", [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	if err != nil {
		t.Fatalf("AppendAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("AppendAll returned %d records, want 3", len(records))
	}
	if records[2].Offset.ByteOffset != 6 {
		t.Errorf("final byte offset = %d, want 6", records[2].Offset.ByteOffset)
	}

	count, err := e.MessageCount("/batch")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 3 {
		t.Errorf("MessageCount = %d, want 3", count)
	}
}

func TestAppendMissingStream(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Append("/nope", []byte("x")); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Append to missing stream: err = %v, want ErrStreamNotFound", err)
	}
}

func TestDeleteAndResurrect(t *testing.T) {
	e := newTestEngine(t)
	s1, _, err := e.CreateStream("/sessions/abc", CreateStreamOptions{})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := e.Append("/sessions/abc", []byte("old data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	oldTail, _ := e.GetCurrentOffset("/sessions/abc")

	if err := e.DeleteStream("/sessions/abc"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, err := e.GetStream("/sessions/abc"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("GetStream after delete: err = %v, want ErrStreamNotFound", err)
	}
	if err := e.DeleteStream("/sessions/abc"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("double delete: err = %v, want ErrStreamNotFound", err)
	}

	s2, created, err := e.CreateStream("/sessions/abc", CreateStreamOptions{})
	if err != nil {
		t.Fatalf("resurrect: %v", err)
	}
	if !created {
		t.Error("resurrect: created = false, want true")
	}
	if s2.CurrentReadSeq != s1.CurrentReadSeq+1 {
		t.Errorf("read seq after resurrect = %d, want %d", s2.CurrentReadSeq, s1.CurrentReadSeq+1)
	}
	if s2.CurrentByteOffset != 0 {
		t.Errorf("byte offset after resurrect = %d, want 0", s2.CurrentByteOffset)
	}
	if s2.LogFileID == s1.LogFileID {
		t.Error("resurrect kept the old log file id")
	}

	// Old messages are gone and any new message sorts above the old tail.
	msgs, err := e.Read("/sessions/abc", ZeroOffset)
	if err != nil {
		t.Fatalf("Read after resurrect: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("resurrected stream has %d messages, want 0", len(msgs))
	}
	rec, err := e.Append("/sessions/abc", []byte("new data"))
	if err != nil {
		t.Fatalf("Append after resurrect: %v", err)
	}
	if !oldTail.LessThan(rec.Offset) {
		t.Errorf("new offset %v does not dominate old tail %v", rec.Offset, oldTail)
	}
}

func TestResurrectWipesProducers(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/p", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if err := e.PutProducer("/p", "writer-1", 5, 10); err != nil {
		t.Fatalf("PutProducer: %v", err)
	}

	if err := e.DeleteStream("/p"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, _, err := e.CreateStream("/p", CreateStreamOptions{}); err != nil {
		t.Fatalf("resurrect: %v", err)
	}

	state, err := e.GetProducer("/p", "writer-1")
	if err != nil {
		t.Fatalf("GetProducer: %v", err)
	}
	if state != nil {
		t.Errorf("producer state survived resurrection: %+v", state)
	}
}

func TestSetClosed(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/c", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	by := &ClosedBy{ProducerID: "writer-1", Epoch: 2, Seq: 7}
	if err := e.SetClosed("/c", by); err != nil {
		t.Fatalf("SetClosed: %v", err)
	}

	s, err := e.GetStream("/c")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if !s.Closed {
		t.Error("stream not closed")
	}
	if s.ClosedBy == nil || s.ClosedBy.ProducerID != "writer-1" || s.ClosedBy.Epoch != 2 || s.ClosedBy.Seq != 7 {
		t.Errorf("ClosedBy = %+v", s.ClosedBy)
	}

	// Closed streams still accept reads and appends at this layer; the
	// protocol rejection happens above.
	if _, err := e.Append("/c", []byte("x")); err != nil {
		t.Errorf("Append to closed stream at engine layer: %v", err)
	}
}

func TestProducerStateRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/p", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	state, err := e.GetProducer("/p", "w")
	if err != nil {
		t.Fatalf("GetProducer: %v", err)
	}
	if state != nil {
		t.Fatalf("unexpected state for unknown producer: %+v", state)
	}

	if err := e.PutProducer("/p", "w", 1, 3); err != nil {
		t.Fatalf("PutProducer: %v", err)
	}
	state, err = e.GetProducer("/p", "w")
	if err != nil {
		t.Fatalf("GetProducer: %v", err)
	}
	if state == nil || state.Epoch != 1 || state.LastSeq != 3 {
		t.Fatalf("state = %+v, want epoch 1 seq 3", state)
	}

	if err := e.PutProducer("/p", "w", 2, 0); err != nil {
		t.Fatalf("PutProducer upsert: %v", err)
	}
	state, _ = e.GetProducer("/p", "w")
	if state.Epoch != 2 || state.LastSeq != 0 {
		t.Fatalf("state after upsert = %+v, want epoch 2 seq 0", state)
	}
}

func TestEvictProducersBefore(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/p", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if err := e.PutProducer("/p", "fresh", 1, 1); err != nil {
		t.Fatalf("PutProducer: %v", err)
	}

	// A cutoff in the past evicts nothing.
	n, err := e.EvictProducersBefore(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("EvictProducersBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("evicted %d rows, want 0", n)
	}

	// A cutoff in the future evicts the row.
	n, err = e.EvictProducersBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvictProducersBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted %d rows, want 1", n)
	}
}

func TestSchemaValidationOnAppend(t *testing.T) {
	e := newTestEngine(t)

	schema := []byte(`{"type":"object","required":["event"],"properties":{"event":{"type":"string"}}}`)
	if err := e.RegisterSchema("events", schema, 1); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := e.RegisterRouter(Router{Streams: []StreamDef{{Pattern: "/events/:id", SchemaKey: "events"}}}); err != nil {
		t.Fatalf("RegisterRouter: %v", err)
	}

	if _, _, err := e.CreateStream("/events/1", CreateStreamOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	if _, err := e.Append("/events/1", []byte(`{"event":"started"},`)); err != nil {
		t.Fatalf("valid append rejected: %v", err)
	}
	if _, err := e.Append("/events/1", []byte(`{"other":1},`)); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("invalid append: err = %v, want ErrSchemaValidation", err)
	}
	if _, err := e.Append("/events/1", []byte(`not json`)); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("unparseable append: err = %v, want ErrSchemaValidation", err)
	}

	// A stream outside the router's patterns is unvalidated.
	if _, _, err := e.CreateStream("/free/1", CreateStreamOptions{}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := e.Append("/free/1", []byte(`anything goes`)); err != nil {
		t.Errorf("append to unrouted stream rejected: %v", err)
	}
}

func TestReopenPersistsState(t *testing.T) {
	dir := t.TempDir()

	e, err := New(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.CreateStream("/persist", CreateStreamOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := e.Append("/persist", []byte(`{"n":1},`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	tail, _ := e.GetCurrentOffset("/persist")
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := New(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	s, err := e2.GetStream("/persist")
	if err != nil {
		t.Fatalf("GetStream after reopen: %v", err)
	}
	if s.ContentType != "application/json" {
		t.Errorf("content type after reopen = %q", s.ContentType)
	}
	if !s.CurrentOffset().Equal(tail) {
		t.Errorf("offset after reopen = %v, want %v", s.CurrentOffset(), tail)
	}

	msgs, err := e2.Read("/persist", ZeroOffset)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Data, []byte(`{"n":1},`)) {
		t.Errorf("messages after reopen = %v", msgs)
	}
}
