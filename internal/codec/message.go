// Package codec implements CLASP's binary frame and message codec (§4.1,
// §6): bit-exact encode/decode for every Message variant and the Value
// union, plus a legacy self-describing decode fallback for interop with
// the pre-v1 ecosystem encoding.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/clasp-systems/clasp/internal/value"
)

// MessageType is the wire tag byte identifying a Message variant, §6.
type MessageType byte

const (
	TypeHello       MessageType = 0x01
	TypeWelcome     MessageType = 0x02
	TypeAnnounce    MessageType = 0x03
	TypeSubscribe   MessageType = 0x10
	TypeUnsubscribe MessageType = 0x11
	TypePublish     MessageType = 0x20
	TypeSet         MessageType = 0x21
	TypeGet         MessageType = 0x22
	TypeSnapshot    MessageType = 0x23
	TypeBundle      MessageType = 0x30
	TypeSync        MessageType = 0x40
	TypePing        MessageType = 0x41
	TypePong        MessageType = 0x42
	TypeAck         MessageType = 0x50
	TypeError       MessageType = 0x51
	TypeQuery       MessageType = 0x60
	TypeResult      MessageType = 0x61
)

// String names a MessageType for logging and metric labels (§6). Unknown
// tags (there should be none on a decoded Message) fall back to their
// numeric form rather than panicking.
func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypeAnnounce:
		return "announce"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypePublish:
		return "publish"
	case TypeSet:
		return "set"
	case TypeGet:
		return "get"
	case TypeSnapshot:
		return "snapshot"
	case TypeBundle:
		return "bundle"
	case TypeSync:
		return "sync"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypeQuery:
		return "query"
	case TypeResult:
		return "result"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// SignalType classifies a signal's delivery semantics (glossary).
type SignalType uint8

const (
	SignalParam SignalType = iota
	SignalEvent
	SignalStream
	SignalGesture
	SignalTimeline
)

// Phase identifies a PUBLISH gesture phase.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseStart
	PhaseMove
	PhaseEnd
	PhaseCancel
)

// Easing identifies a timeline keyframe's interpolation curve.
type Easing uint8

const (
	EasingLinear Easing = iota
	EasingEaseIn
	EasingEaseOut
	EasingEaseInOut
	EasingStep
	EasingCubicBezier
)

// Message is implemented by every variant in the tagged union.
type Message interface {
	MessageType() MessageType
}

// --- variant structs (§3) ---

type Hello struct {
	Version         uint8
	Name            string
	Features        []string
	Capabilities    []string
	HasCapabilities bool
	Token           string
	HasToken        bool
}

func (Hello) MessageType() MessageType { return TypeHello }

type Welcome struct {
	Version        uint8
	SessionID      string
	ServerName     string
	Features       []string
	ServerTimeUs   uint64
	EchoedToken    string
	HasEchoedToken bool
}

func (Welcome) MessageType() MessageType { return TypeWelcome }

type SignalDef struct {
	Address      string
	SignalType   SignalType
	DataType     string
	HasDataType  bool
	Access       string
	HasAccess    bool
	Meta         value.Value
	HasMeta      bool
}

type Announce struct {
	Signals []SignalDef
}

func (Announce) MessageType() MessageType { return TypeAnnounce }

type SubscribeOptions struct {
	MaxRate    float64
	HasMaxRate bool
	Epsilon    float64
	HasEpsilon bool
	History    uint32
	HasHistory bool
	WindowUs   uint64
	HasWindow  bool
}

type Subscribe struct {
	SubID   uint32
	Pattern string
	Types   []SignalType // empty ≡ all
	Options SubscribeOptions
}

func (Subscribe) MessageType() MessageType { return TypeSubscribe }

type Unsubscribe struct {
	SubID uint32
}

func (Unsubscribe) MessageType() MessageType { return TypeUnsubscribe }

type TimelineKeyframe struct {
	TimeUs    uint64
	Value     value.Value
	Easing    Easing
	Bezier    [4]float64
	HasBezier bool
}

type TimelineData struct {
	Keyframes []TimelineKeyframe
	LoopMs    uint64
	Loop      bool
}

type Publish struct {
	Address       string
	SignalType    SignalType
	HasSignalType bool
	Value         value.Value
	HasValue      bool
	Samples       []float64
	HasSamples    bool
	Rate          float64
	HasRate       bool
	GestureID     uint32
	HasGestureID  bool
	Phase         Phase
	Timestamp     uint64
	HasTimestamp  bool
	Timeline      *TimelineData
}

func (Publish) MessageType() MessageType { return TypePublish }

type Set struct {
	Address             string
	Value               value.Value
	ExpectedRevision    uint64
	HasExpectedRevision bool
	Lock                bool
	Unlock              bool
}

func (Set) MessageType() MessageType { return TypeSet }

type Get struct {
	Address string
}

func (Get) MessageType() MessageType { return TypeGet }

type ParamValue struct {
	Address   string
	Value     value.Value
	Revision  uint64
	Writer    string
	HasWriter bool
	Timestamp uint64
}

type Snapshot struct {
	Values []ParamValue
}

func (Snapshot) MessageType() MessageType { return TypeSnapshot }

type Bundle struct {
	Timestamp    uint64
	HasTimestamp bool
	Messages     []Message
}

func (Bundle) MessageType() MessageType { return TypeBundle }

type Sync struct {
	T1    uint64
	T2    uint64
	HasT2 bool
	T3    uint64
	HasT3 bool
}

func (Sync) MessageType() MessageType { return TypeSync }

type Ping struct{}

func (Ping) MessageType() MessageType { return TypePing }

type Pong struct{}

func (Pong) MessageType() MessageType { return TypePong }

type Ack struct {
	Address             string
	HasAddress          bool
	Revision            uint64
	HasRevision         bool
	Locked              bool
	HasLocked           bool
	Holder              string
	HasHolder           bool
	CorrelationID       uint32
	HasCorrelationID    bool
}

func (Ack) MessageType() MessageType { return TypeAck }

type Error struct {
	Code             uint16
	Message          string
	Address          string
	HasAddress       bool
	CorrelationID    uint32
	HasCorrelationID bool
}

func (Error) MessageType() MessageType { return TypeError }

type Query struct {
	Pattern string
}

func (Query) MessageType() MessageType { return TypeQuery }

type Result struct {
	Pattern string
	Signals []SignalDef
}

func (Result) MessageType() MessageType { return TypeResult }

// --- encode ---

// EstimatePayloadSize returns an upper bound, in bytes, of the encoded
// payload for m — used by the frame layer to size the length-prefix path
// before the real encode pass (§9 "size estimation before encode").
func EstimatePayloadSize(m Message) int {
	// Cheap, generous: one real encode pass is also cheap (no I/O), so we
	// just encode into a scratch buffer and report its length. This keeps
	// the estimate always exact and avoids a second, divergent size model
	// to keep in sync with EncodeMessage.
	var buf bytes.Buffer
	EncodeMessage(&buf, m)
	return buf.Len()
}

// EncodeMessage appends the v1 wire encoding of m (type tag + fields) to buf.
// Accepts either a variant value or a pointer to one — callers commonly
// build outbound messages as address-of composite literals.
func EncodeMessage(buf *bytes.Buffer, m Message) {
	buf.WriteByte(byte(m.MessageType()))
	switch v := deref(m).(type) {
	case Hello:
		encodeHello(buf, v)
	case Welcome:
		encodeWelcome(buf, v)
	case Announce:
		encodeAnnounce(buf, v)
	case Subscribe:
		encodeSubscribe(buf, v)
	case Unsubscribe:
		writeU32(buf, v.SubID)
	case Publish:
		encodePublish(buf, v)
	case Set:
		encodeSet(buf, v)
	case Get:
		writeString16(buf, v.Address)
	case Snapshot:
		encodeSnapshot(buf, v)
	case Bundle:
		encodeBundle(buf, v)
	case Sync:
		encodeSync(buf, v)
	case Ping:
	case Pong:
	case Ack:
		encodeAck(buf, v)
	case Error:
		encodeError(buf, v)
	case Query:
		writeString16(buf, v.Pattern)
	case Result:
		encodeResult(buf, v)
	default:
		// Unknown variant: emit nothing beyond the tag. DecodeMessage on
		// the peer will fail with DecodeError, which is correct — there is
		// no valid encoding for a type this codec doesn't know.
	}
}

// deref normalizes a pointer-to-variant into its value form so the switch
// in EncodeMessage matches regardless of which form the caller built.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Hello:
		return *v
	case *Welcome:
		return *v
	case *Announce:
		return *v
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *Publish:
		return *v
	case *Set:
		return *v
	case *Get:
		return *v
	case *Snapshot:
		return *v
	case *Bundle:
		return *v
	case *Sync:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Ack:
		return *v
	case *Error:
		return *v
	case *Query:
		return *v
	case *Result:
		return *v
	default:
		return m
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeStrings16(buf *bytes.Buffer, ss []string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(ss)))
	buf.Write(n[:])
	for _, s := range ss {
		writeString16(buf, s)
	}
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func encodeHello(buf *bytes.Buffer, h Hello) {
	buf.WriteByte(h.Version)
	writeString16(buf, h.Name)
	writeStrings16(buf, h.Features)
	writeBool(buf, h.HasCapabilities)
	if h.HasCapabilities {
		writeStrings16(buf, h.Capabilities)
	}
	writeBool(buf, h.HasToken)
	if h.HasToken {
		writeString16(buf, h.Token)
	}
}

func encodeWelcome(buf *bytes.Buffer, w Welcome) {
	buf.WriteByte(w.Version)
	writeString16(buf, w.SessionID)
	writeString16(buf, w.ServerName)
	writeStrings16(buf, w.Features)
	writeU64(buf, w.ServerTimeUs)
	writeBool(buf, w.HasEchoedToken)
	if w.HasEchoedToken {
		writeString16(buf, w.EchoedToken)
	}
}

func encodeSignalDef(buf *bytes.Buffer, d SignalDef) {
	writeString16(buf, d.Address)
	buf.WriteByte(byte(d.SignalType))
	writeBool(buf, d.HasDataType)
	if d.HasDataType {
		writeString16(buf, d.DataType)
	}
	writeBool(buf, d.HasAccess)
	if d.HasAccess {
		writeString16(buf, d.Access)
	}
	writeBool(buf, d.HasMeta)
	if d.HasMeta {
		EncodeValue(buf, d.Meta)
	}
}

func encodeAnnounce(buf *bytes.Buffer, a Announce) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(a.Signals)))
	buf.Write(n[:])
	for _, d := range a.Signals {
		encodeSignalDef(buf, d)
	}
}

func encodeSubscribe(buf *bytes.Buffer, s Subscribe) {
	writeU32(buf, s.SubID)
	writeString16(buf, s.Pattern)
	buf.WriteByte(byte(len(s.Types)))
	for _, t := range s.Types {
		buf.WriteByte(byte(t))
	}
	opt := s.Options
	flags := byte(0)
	if opt.HasMaxRate {
		flags |= 1 << 0
	}
	if opt.HasEpsilon {
		flags |= 1 << 1
	}
	if opt.HasHistory {
		flags |= 1 << 2
	}
	if opt.HasWindow {
		flags |= 1 << 3
	}
	buf.WriteByte(flags)
	if opt.HasMaxRate {
		writeFloat64(buf, opt.MaxRate)
	}
	if opt.HasEpsilon {
		writeFloat64(buf, opt.Epsilon)
	}
	if opt.HasHistory {
		writeU32(buf, opt.History)
	}
	if opt.HasWindow {
		writeU64(buf, opt.WindowUs)
	}
}

func writeFloat64(buf *bytes.Buffer, f float64) {
	v := value.Float(f)
	// reuse the value encoder's f64 writer without its tag byte
	var scratch bytes.Buffer
	EncodeValue(&scratch, v)
	buf.Write(scratch.Bytes()[1:]) // strip the tagF64 byte
}

func encodePublish(buf *bytes.Buffer, p Publish) {
	flags := byte(p.SignalType&0x7) << 5
	if p.HasTimestamp {
		flags |= 1 << 4
	}
	if p.HasGestureID {
		flags |= 1 << 3
	}
	flags |= byte(p.Phase & 0x7)
	buf.WriteByte(flags)
	writeString16(buf, p.Address)

	switch {
	case p.HasValue:
		buf.WriteByte(1)
		EncodeValue(buf, p.Value)
	case p.HasSamples:
		buf.WriteByte(2)
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(p.Samples)))
		buf.Write(n[:])
		for _, s := range p.Samples {
			writeFloat64(buf, s)
		}
	default:
		buf.WriteByte(0)
	}

	if p.HasTimestamp {
		writeU64(buf, p.Timestamp)
	}
	if p.HasGestureID {
		writeU32(buf, p.GestureID)
	}
	writeBool(buf, p.HasRate)
	if p.HasRate {
		writeFloat64(buf, p.Rate)
	}
	writeBool(buf, p.Timeline != nil)
	if p.Timeline != nil {
		encodeTimeline(buf, *p.Timeline)
	}
}

func encodeTimeline(buf *bytes.Buffer, t TimelineData) {
	writeBool(buf, t.Loop)
	if t.Loop {
		writeU64(buf, t.LoopMs)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(t.Keyframes)))
	buf.Write(n[:])
	for _, kf := range t.Keyframes {
		writeU64(buf, kf.TimeUs)
		EncodeValue(buf, kf.Value)
		buf.WriteByte(byte(kf.Easing))
		writeBool(buf, kf.HasBezier)
		if kf.HasBezier {
			for _, c := range kf.Bezier {
				writeFloat64(buf, c)
			}
		}
	}
}

func encodeSet(buf *bytes.Buffer, s Set) {
	valueTagNibble := valueTag(s.Value)
	flags := byte(0)
	if s.HasExpectedRevision {
		flags |= 1 << 0
	}
	if s.Lock {
		flags |= 1 << 1
	}
	if s.Unlock {
		flags |= 1 << 2
	}
	flags |= (valueTagNibble & 0x0F) << 4
	buf.WriteByte(flags)
	writeString16(buf, s.Address)
	EncodeValue(buf, s.Value)
	if s.HasExpectedRevision {
		writeU64(buf, s.ExpectedRevision)
	}
}

// valueTag returns the wire tag byte EncodeValue would emit for v, used for
// the SET flags-byte value_type_nibble without a double encode.
func valueTag(v value.Value) byte {
	switch v.Kind() {
	case value.KindNull:
		return tagNull
	case value.KindBool:
		return tagBool
	case value.KindInt:
		i, _ := v.AsInt()
		var scratch bytes.Buffer
		writeIntNarrow(&scratch, i)
		return scratch.Bytes()[0]
	case value.KindFloat:
		return tagF64
	case value.KindString:
		return tagString
	case value.KindBytes:
		return tagBytes
	case value.KindArray:
		return tagArray
	case value.KindMap:
		return tagMap
	default:
		return tagNull
	}
}

func encodeParamValue(buf *bytes.Buffer, pv ParamValue) {
	writeString16(buf, pv.Address)
	EncodeValue(buf, pv.Value)
	writeU64(buf, pv.Revision)
	writeBool(buf, pv.HasWriter)
	if pv.HasWriter {
		writeString16(buf, pv.Writer)
	}
	writeU64(buf, pv.Timestamp)
}

func encodeSnapshot(buf *bytes.Buffer, s Snapshot) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s.Values)))
	buf.Write(n[:])
	for _, pv := range s.Values {
		encodeParamValue(buf, pv)
	}
}

func encodeBundle(buf *bytes.Buffer, b Bundle) {
	writeBool(buf, b.HasTimestamp)
	if b.HasTimestamp {
		writeU64(buf, b.Timestamp)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b.Messages)))
	buf.Write(n[:])
	for _, inner := range b.Messages {
		EncodeMessage(buf, inner)
	}
}

func encodeSync(buf *bytes.Buffer, s Sync) {
	writeU64(buf, s.T1)
	writeBool(buf, s.HasT2)
	if s.HasT2 {
		writeU64(buf, s.T2)
	}
	writeBool(buf, s.HasT3)
	if s.HasT3 {
		writeU64(buf, s.T3)
	}
}

func encodeAck(buf *bytes.Buffer, a Ack) {
	writeBool(buf, a.HasAddress)
	if a.HasAddress {
		writeString16(buf, a.Address)
	}
	writeBool(buf, a.HasRevision)
	if a.HasRevision {
		writeU64(buf, a.Revision)
	}
	writeBool(buf, a.HasLocked)
	if a.HasLocked {
		writeBool(buf, a.Locked)
	}
	writeBool(buf, a.HasHolder)
	if a.HasHolder {
		writeString16(buf, a.Holder)
	}
	writeBool(buf, a.HasCorrelationID)
	if a.HasCorrelationID {
		writeU32(buf, a.CorrelationID)
	}
}

func encodeError(buf *bytes.Buffer, e Error) {
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], e.Code)
	buf.Write(code[:])
	writeString16(buf, e.Message)
	writeBool(buf, e.HasAddress)
	if e.HasAddress {
		writeString16(buf, e.Address)
	}
	writeBool(buf, e.HasCorrelationID)
	if e.HasCorrelationID {
		writeU32(buf, e.CorrelationID)
	}
}

func encodeResult(buf *bytes.Buffer, r Result) {
	writeString16(buf, r.Pattern)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(r.Signals)))
	buf.Write(n[:])
	for _, d := range r.Signals {
		encodeSignalDef(buf, d)
	}
}
