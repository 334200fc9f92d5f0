package wire

import (
	"testing"

	"github.com/tomtzook/obsr-go/internal/value"
)

func TestEntryCreateRoundTrip(t *testing.T) {
	v := value.NewInt32(42)
	s := NewSerializer(MaxPayloadSize)
	if !s.EntryCreate(1000, 7, "foo/bar", v) {
		t.Fatalf("EntryCreate build failed")
	}

	d, err := Parse(MessageEntryCreate, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.SendTime != 1000 || d.ID != 7 || d.Name != "foo/bar" {
		t.Fatalf("unexpected decode: %+v", d)
	}
	if !value.Equal(d.Value, v) {
		t.Fatalf("value mismatch: %+v vs %+v", d.Value, v)
	}
}

func TestEntryUpdateRoundTrip(t *testing.T) {
	v := value.NewBoolean(true)
	s := NewSerializer(MaxPayloadSize)
	if !s.EntryUpdate(55, 3, v) {
		t.Fatalf("EntryUpdate build failed")
	}

	d, err := Parse(MessageEntryUpdate, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.SendTime != 55 || d.ID != 3 {
		t.Fatalf("unexpected decode: %+v", d)
	}
	if !value.Equal(d.Value, v) {
		t.Fatalf("value mismatch")
	}
}

func TestEntryDeleteRoundTrip(t *testing.T) {
	s := NewSerializer(MaxPayloadSize)
	if !s.EntryDelete(10, 99) {
		t.Fatalf("EntryDelete build failed")
	}

	d, err := Parse(MessageEntryDelete, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.SendTime != 10 || d.ID != 99 {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestEntryIDAssignRoundTrip(t *testing.T) {
	s := NewSerializer(MaxPayloadSize)
	if !s.EntryIDAssign(12, "some/path") {
		t.Fatalf("EntryIDAssign build failed")
	}

	d, err := Parse(MessageEntryIDAssign, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.ID != 12 || d.Name != "some/path" {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestTimeSyncRoundTrip(t *testing.T) {
	s := NewSerializer(MaxPayloadSize)
	if !s.TimeSyncRequest(123) {
		t.Fatalf("TimeSyncRequest build failed")
	}
	d, err := Parse(MessageTimeSyncRequest, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.SendTime != 123 {
		t.Fatalf("unexpected decode: %+v", d)
	}

	s.Reset()
	if !s.TimeSyncResponse(456, 123) {
		t.Fatalf("TimeSyncResponse build failed")
	}
	d2, err := Parse(MessageTimeSyncResponse, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d2.SendTime != 456 || d2.RequestTime != 123 {
		t.Fatalf("unexpected decode: %+v", d2)
	}
}

func TestHandshakeMessagesHaveNoPayload(t *testing.T) {
	for _, mt := range []MessageType{MessageHandshakeReady, MessageHandshakeFinished} {
		d, err := Parse(mt, nil)
		if err != nil {
			t.Fatalf("parse failed for %v: %v", mt, err)
		}
		if d.Type != mt {
			t.Fatalf("unexpected type: %+v", d)
		}
	}
}

func TestParseTruncatedPayloadFails(t *testing.T) {
	s := NewSerializer(MaxPayloadSize)
	s.EntryDelete(10, 99)
	truncated := s.Data()[:3]

	if _, err := Parse(MessageEntryDelete, truncated); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestParseUnknownTypeFails(t *testing.T) {
	if _, err := Parse(MessageType(200), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}

func TestArrayValueRoundTrip(t *testing.T) {
	v, err := value.NewInt32Array([]int32{1, -2, 3, 4})
	if err != nil {
		t.Fatalf("NewInt32Array: %v", err)
	}
	s := NewSerializer(MaxPayloadSize)
	if !s.EntryUpdate(1, 1, v) {
		t.Fatalf("EntryUpdate build failed")
	}

	d, err := Parse(MessageEntryUpdate, s.Data())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !value.Equal(d.Value, v) {
		t.Fatalf("array value mismatch")
	}
}

func TestNameTooLongRejectedBySerializer(t *testing.T) {
	long := make([]byte, value.MaxElements+1)
	s := NewSerializer(MaxPayloadSize)
	if s.EntryIDAssign(1, string(long)) {
		t.Fatalf("expected EntryIDAssign to fail for oversize name")
	}
}
