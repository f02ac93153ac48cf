package codec

import (
	"bytes"
	"testing"

	"github.com/clasp-systems/clasp/internal/value"
)

func roundTripMessage(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	EncodeMessage(&buf, m)
	got, err := DecodeMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		Hello{Version: 1, Name: "studio", Features: []string{"param", "gesture"}},
		Hello{Version: 1, Name: "a", HasToken: true, Token: "cpsk_abc"},
		Welcome{Version: 1, SessionID: "sess-1", ServerName: "router", ServerTimeUs: 123456},
		Set{Address: "/lights/1", Value: value.Float(0.75)},
		Set{Address: "/x", Value: value.Int(9), HasExpectedRevision: true, ExpectedRevision: 2, Lock: true},
		Get{Address: "/a"},
		Subscribe{SubID: 1, Pattern: "/lights/**", Types: []SignalType{SignalParam}},
		Unsubscribe{SubID: 1},
		Publish{Address: "/touch", Phase: PhaseStart, HasValue: true, Value: value.Int(7)},
		Publish{Address: "/stream", HasSamples: true, Samples: []float64{1, 2, 3}},
		Snapshot{Values: []ParamValue{{Address: "/a", Value: value.Int(1), Revision: 1}}},
		Sync{T1: 100},
		Sync{T1: 100, HasT2: true, T2: 150, HasT3: true, T3: 151},
		Ping{},
		Pong{},
		Ack{HasRevision: true, Revision: 1},
		Error{Code: 400, Message: "conflict", HasAddress: true, Address: "/x"},
		Query{Pattern: "/**"},
		Result{Pattern: "/**", Signals: []SignalDef{{Address: "/a", SignalType: SignalParam}}},
		Bundle{Messages: []Message{
			Set{Address: "/a", Value: value.Int(1)},
			Publish{Address: "/b", HasValue: true, Value: value.Bool(true)},
		}},
	}

	for i, m := range cases {
		got := roundTripMessage(t, m)
		if got.MessageType() != m.MessageType() {
			t.Fatalf("case %d: type mismatch: got %v want %v", i, got.MessageType(), m.MessageType())
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []value.Value{
		value.Null(),
		value.Bool(true),
		value.Bool(false),
		value.Int(0),
		value.Int(127),
		value.Int(-128),
		value.Int(40000),
		value.Int(-1),
		value.Int(1 << 40),
		value.Float(3.14159),
		value.String("hello"),
		value.Bytes([]byte{1, 2, 3}),
		value.Array(value.Int(1), value.String("x")),
		value.Map(map[string]value.Value{"a": value.Int(1)}),
	}
	for _, v := range values {
		var buf bytes.Buffer
		EncodeValue(&buf, v)
		got, err := DecodeValue(newCursor(buf.Bytes()))
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if !value.Equal(got, v) {
			t.Fatalf("round trip mismatch: got %v want %v", got, v)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var payload bytes.Buffer
	EncodeMessage(&payload, Set{Address: "/a", Value: value.Int(1)})

	f := Frame{QoS: QoSConfirm, Version: 1, HasTimestamp: true, Timestamp: 42, Payload: payload.Bytes()}
	encoded, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	got, n, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d, want %d", n, len(encoded))
	}
	if got.QoS != f.QoS || got.Timestamp != f.Timestamp || !got.HasTimestamp {
		t.Fatalf("frame mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameCompleteness(t *testing.T) {
	var payload bytes.Buffer
	EncodeMessage(&payload, Ping{})
	f := Frame{QoS: QoSFire, Version: 1, Payload: payload.Bytes()}
	full, err := EncodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	for split := 0; split < len(full); split++ {
		_, _, err := DecodeFrame(full[:split])
		if err == nil {
			t.Fatalf("split %d: expected incomplete error", split)
		}
		bts, ok := err.(*BufferTooSmallError)
		if !ok {
			t.Fatalf("split %d: expected BufferTooSmallError, got %T (%v)", split, err, err)
		}
		if bts.Needed > len(full)-split {
			t.Fatalf("split %d: needed %d exceeds remaining %d", split, bts.Needed, len(full)-split)
		}
	}
}

func TestInvalidMagic(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0xAA, 0, 0, 0})
	if _, ok := err.(*InvalidMagicError); !ok {
		t.Fatalf("expected InvalidMagicError, got %T", err)
	}
}

func TestNestedBundleRejected(t *testing.T) {
	var inner bytes.Buffer
	EncodeMessage(&inner, Bundle{})
	var outer bytes.Buffer
	outer.WriteByte(byte(TypeBundle))
	outer.WriteByte(0) // no timestamp
	outer.Write([]byte{0, 1}) // one message
	outer.Write(inner.Bytes())

	_, err := DecodeMessage(outer.Bytes())
	if err == nil {
		t.Fatal("expected error decoding nested bundle")
	}
}

func TestLegacyFallback(t *testing.T) {
	payload := []byte(`{"type":"set","address":"/a","value":1}`)
	m, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	s, ok := m.(Set)
	if !ok {
		t.Fatalf("expected Set, got %T", m)
	}
	if s.Address != "/a" {
		t.Fatalf("address mismatch: %s", s.Address)
	}
}
