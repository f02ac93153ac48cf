package codec

import "math"

// DecodeMessage decodes a single Message from data (the frame payload). If
// the leading byte is not a known v1 message type, it falls back to the
// legacy self-describing decoder (§4.1 "legacy detection").
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &BufferTooSmallError{Needed: 1, Have: 0}
	}
	tag := MessageType(data[0])
	if !knownType(tag) {
		return decodeLegacy(data)
	}
	c := newCursor(data[1:])
	switch tag {
	case TypeHello:
		return decodeHello(c)
	case TypeWelcome:
		return decodeWelcome(c)
	case TypeAnnounce:
		return decodeAnnounce(c)
	case TypeSubscribe:
		return decodeSubscribe(c)
	case TypeUnsubscribe:
		id, err := c.u32()
		if err != nil {
			return nil, err
		}
		return Unsubscribe{SubID: id}, nil
	case TypePublish:
		return decodePublish(c)
	case TypeSet:
		return decodeSet(c)
	case TypeGet:
		addr, err := c.str16()
		if err != nil {
			return nil, err
		}
		return Get{Address: addr}, nil
	case TypeSnapshot:
		return decodeSnapshot(c)
	case TypeBundle:
		return decodeBundle(c)
	case TypeSync:
		return decodeSync(c)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeAck:
		return decodeAck(c)
	case TypeError:
		return decodeErrorMsg(c)
	case TypeQuery:
		p, err := c.str16()
		if err != nil {
			return nil, err
		}
		return Query{Pattern: p}, nil
	case TypeResult:
		return decodeResult(c)
	default:
		return nil, &UnknownMessageTypeError{Tag: byte(tag)}
	}
}

func knownType(t MessageType) bool {
	switch t {
	case TypeHello, TypeWelcome, TypeAnnounce, TypeSubscribe, TypeUnsubscribe,
		TypePublish, TypeSet, TypeGet, TypeSnapshot, TypeBundle, TypeSync,
		TypePing, TypePong, TypeAck, TypeError, TypeQuery, TypeResult:
		return true
	default:
		return false
	}
}

func readBool(c *cursor) (bool, error) {
	b, err := c.u8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readFloat64(c *cursor) (float64, error) {
	b, err := c.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(b), nil
}

func readStrings16(c *cursor) ([]string, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		s, err := c.str16()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeHello(c *cursor) (Message, error) {
	var h Hello
	v, err := c.u8()
	if err != nil {
		return nil, err
	}
	h.Version = v
	if h.Name, err = c.str16(); err != nil {
		return nil, err
	}
	if h.Features, err = readStrings16(c); err != nil {
		return nil, err
	}
	if h.HasCapabilities, err = readBool(c); err != nil {
		return nil, err
	}
	if h.HasCapabilities {
		if h.Capabilities, err = readStrings16(c); err != nil {
			return nil, err
		}
	}
	if h.HasToken, err = readBool(c); err != nil {
		return nil, err
	}
	if h.HasToken {
		if h.Token, err = c.str16(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func decodeWelcome(c *cursor) (Message, error) {
	var w Welcome
	v, err := c.u8()
	if err != nil {
		return nil, err
	}
	w.Version = v
	if w.SessionID, err = c.str16(); err != nil {
		return nil, err
	}
	if w.ServerName, err = c.str16(); err != nil {
		return nil, err
	}
	if w.Features, err = readStrings16(c); err != nil {
		return nil, err
	}
	if w.ServerTimeUs, err = c.u64(); err != nil {
		return nil, err
	}
	if w.HasEchoedToken, err = readBool(c); err != nil {
		return nil, err
	}
	if w.HasEchoedToken {
		if w.EchoedToken, err = c.str16(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func decodeSignalDef(c *cursor) (SignalDef, error) {
	var d SignalDef
	addr, err := c.str16()
	if err != nil {
		return d, err
	}
	d.Address = addr
	st, err := c.u8()
	if err != nil {
		return d, err
	}
	d.SignalType = SignalType(st)
	if d.HasDataType, err = readBool(c); err != nil {
		return d, err
	}
	if d.HasDataType {
		if d.DataType, err = c.str16(); err != nil {
			return d, err
		}
	}
	if d.HasAccess, err = readBool(c); err != nil {
		return d, err
	}
	if d.HasAccess {
		if d.Access, err = c.str16(); err != nil {
			return d, err
		}
	}
	if d.HasMeta, err = readBool(c); err != nil {
		return d, err
	}
	if d.HasMeta {
		if d.Meta, err = DecodeValue(c); err != nil {
			return d, err
		}
	}
	return d, nil
}

func decodeAnnounce(c *cursor) (Message, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	a := Announce{Signals: make([]SignalDef, 0, n)}
	for i := uint16(0); i < n; i++ {
		d, err := decodeSignalDef(c)
		if err != nil {
			return nil, err
		}
		a.Signals = append(a.Signals, d)
	}
	return a, nil
}

func decodeSubscribe(c *cursor) (Message, error) {
	var s Subscribe
	id, err := c.u32()
	if err != nil {
		return nil, err
	}
	s.SubID = id
	if s.Pattern, err = c.str16(); err != nil {
		return nil, err
	}
	tn, err := c.u8()
	if err != nil {
		return nil, err
	}
	s.Types = make([]SignalType, 0, tn)
	for i := byte(0); i < tn; i++ {
		b, err := c.u8()
		if err != nil {
			return nil, err
		}
		s.Types = append(s.Types, SignalType(b))
	}
	flags, err := c.u8()
	if err != nil {
		return nil, err
	}
	s.Options.HasMaxRate = flags&(1<<0) != 0
	s.Options.HasEpsilon = flags&(1<<1) != 0
	s.Options.HasHistory = flags&(1<<2) != 0
	s.Options.HasWindow = flags&(1<<3) != 0
	if s.Options.HasMaxRate {
		if s.Options.MaxRate, err = readFloat64(c); err != nil {
			return nil, err
		}
	}
	if s.Options.HasEpsilon {
		if s.Options.Epsilon, err = readFloat64(c); err != nil {
			return nil, err
		}
	}
	if s.Options.HasHistory {
		if s.Options.History, err = c.u32(); err != nil {
			return nil, err
		}
	}
	if s.Options.HasWindow {
		if s.Options.WindowUs, err = c.u64(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeTimeline(c *cursor) (*TimelineData, error) {
	var t TimelineData
	loop, err := readBool(c)
	if err != nil {
		return nil, err
	}
	t.Loop = loop
	if loop {
		if t.LoopMs, err = c.u64(); err != nil {
			return nil, err
		}
	}
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	t.Keyframes = make([]TimelineKeyframe, 0, n)
	for i := uint16(0); i < n; i++ {
		var kf TimelineKeyframe
		if kf.TimeUs, err = c.u64(); err != nil {
			return nil, err
		}
		if kf.Value, err = DecodeValue(c); err != nil {
			return nil, err
		}
		eb, err := c.u8()
		if err != nil {
			return nil, err
		}
		kf.Easing = Easing(eb)
		if kf.HasBezier, err = readBool(c); err != nil {
			return nil, err
		}
		if kf.HasBezier {
			for j := 0; j < 4; j++ {
				if kf.Bezier[j], err = readFloat64(c); err != nil {
					return nil, err
				}
			}
		}
		t.Keyframes = append(t.Keyframes, kf)
	}
	return &t, nil
}

func decodePublish(c *cursor) (Message, error) {
	var p Publish
	flags, err := c.u8()
	if err != nil {
		return nil, err
	}
	p.SignalType = SignalType((flags >> 5) & 0x7)
	p.HasSignalType = true
	p.HasTimestamp = flags&(1<<4) != 0
	p.HasGestureID = flags&(1<<3) != 0
	p.Phase = Phase(flags & 0x7)

	if p.Address, err = c.str16(); err != nil {
		return nil, err
	}
	ind, err := c.u8()
	if err != nil {
		return nil, err
	}
	switch ind {
	case 1:
		p.HasValue = true
		if p.Value, err = DecodeValue(c); err != nil {
			return nil, err
		}
	case 2:
		p.HasSamples = true
		n, err := c.u16()
		if err != nil {
			return nil, err
		}
		p.Samples = make([]float64, 0, n)
		for i := uint16(0); i < n; i++ {
			f, err := readFloat64(c)
			if err != nil {
				return nil, err
			}
			p.Samples = append(p.Samples, f)
		}
	}
	if p.HasTimestamp {
		if p.Timestamp, err = c.u64(); err != nil {
			return nil, err
		}
	}
	if p.HasGestureID {
		if p.GestureID, err = c.u32(); err != nil {
			return nil, err
		}
	}
	if p.HasRate, err = readBool(c); err != nil {
		return nil, err
	}
	if p.HasRate {
		if p.Rate, err = readFloat64(c); err != nil {
			return nil, err
		}
	}
	hasTimeline, err := readBool(c)
	if err != nil {
		return nil, err
	}
	if hasTimeline {
		if p.Timeline, err = decodeTimeline(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeSet(c *cursor) (Message, error) {
	var s Set
	flags, err := c.u8()
	if err != nil {
		return nil, err
	}
	s.HasExpectedRevision = flags&(1<<0) != 0
	s.Lock = flags&(1<<1) != 0
	s.Unlock = flags&(1<<2) != 0
	if s.Address, err = c.str16(); err != nil {
		return nil, err
	}
	if s.Value, err = DecodeValue(c); err != nil {
		return nil, err
	}
	if s.HasExpectedRevision {
		if s.ExpectedRevision, err = c.u64(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeParamValue(c *cursor) (ParamValue, error) {
	var pv ParamValue
	addr, err := c.str16()
	if err != nil {
		return pv, err
	}
	pv.Address = addr
	if pv.Value, err = DecodeValue(c); err != nil {
		return pv, err
	}
	if pv.Revision, err = c.u64(); err != nil {
		return pv, err
	}
	if pv.HasWriter, err = readBool(c); err != nil {
		return pv, err
	}
	if pv.HasWriter {
		if pv.Writer, err = c.str16(); err != nil {
			return pv, err
		}
	}
	if pv.Timestamp, err = c.u64(); err != nil {
		return pv, err
	}
	return pv, nil
}

func decodeSnapshot(c *cursor) (Message, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	s := Snapshot{Values: make([]ParamValue, 0, n)}
	for i := uint16(0); i < n; i++ {
		pv, err := decodeParamValue(c)
		if err != nil {
			return nil, err
		}
		s.Values = append(s.Values, pv)
	}
	return s, nil
}

func decodeBundle(c *cursor) (Message, error) {
	var b Bundle
	var err error
	if b.HasTimestamp, err = readBool(c); err != nil {
		return nil, err
	}
	if b.HasTimestamp {
		if b.Timestamp, err = c.u64(); err != nil {
			return nil, err
		}
	}
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	b.Messages = make([]Message, 0, n)
	for i := uint16(0); i < n; i++ {
		// Nested messages are plain tag+payload with no outer length
		// prefix; each is decoded in place from the shared cursor, which
		// ends up positioned just past it.
		inner, consumed, err := decodeMessageFromCursor(c)
		if err != nil {
			return nil, err
		}
		if inner.MessageType() == TypeBundle {
			return nil, &DecodeError{Detail: "nested bundle"}
		}
		b.Messages = append(b.Messages, inner)
		_ = consumed
	}
	return b, nil
}

// decodeMessageFromCursor decodes one message starting at c's current
// position and advances c past it, returning the byte count consumed.
func decodeMessageFromCursor(c *cursor) (Message, int, error) {
	start := c.pos
	tag, err := c.u8()
	if err != nil {
		return nil, 0, err
	}
	msgType := MessageType(tag)
	if !knownType(msgType) {
		return nil, 0, &UnknownMessageTypeError{Tag: tag}
	}
	var m Message
	switch msgType {
	case TypeHello:
		m, err = decodeHello(c)
	case TypeWelcome:
		m, err = decodeWelcome(c)
	case TypeAnnounce:
		m, err = decodeAnnounce(c)
	case TypeSubscribe:
		m, err = decodeSubscribe(c)
	case TypeUnsubscribe:
		var id uint32
		id, err = c.u32()
		m = Unsubscribe{SubID: id}
	case TypePublish:
		m, err = decodePublish(c)
	case TypeSet:
		m, err = decodeSet(c)
	case TypeGet:
		var addr string
		addr, err = c.str16()
		m = Get{Address: addr}
	case TypeSnapshot:
		m, err = decodeSnapshot(c)
	case TypeBundle:
		m, err = decodeBundle(c)
	case TypeSync:
		m, err = decodeSync(c)
	case TypePing:
		m = Ping{}
	case TypePong:
		m = Pong{}
	case TypeAck:
		m, err = decodeAck(c)
	case TypeError:
		m, err = decodeErrorMsg(c)
	case TypeQuery:
		var p string
		p, err = c.str16()
		m = Query{Pattern: p}
	case TypeResult:
		m, err = decodeResult(c)
	}
	if err != nil {
		return nil, 0, err
	}
	return m, c.pos - start, nil
}

func decodeSync(c *cursor) (Message, error) {
	var s Sync
	var err error
	if s.T1, err = c.u64(); err != nil {
		return nil, err
	}
	if s.HasT2, err = readBool(c); err != nil {
		return nil, err
	}
	if s.HasT2 {
		if s.T2, err = c.u64(); err != nil {
			return nil, err
		}
	}
	if s.HasT3, err = readBool(c); err != nil {
		return nil, err
	}
	if s.HasT3 {
		if s.T3, err = c.u64(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeAck(c *cursor) (Message, error) {
	var a Ack
	var err error
	if a.HasAddress, err = readBool(c); err != nil {
		return nil, err
	}
	if a.HasAddress {
		if a.Address, err = c.str16(); err != nil {
			return nil, err
		}
	}
	if a.HasRevision, err = readBool(c); err != nil {
		return nil, err
	}
	if a.HasRevision {
		if a.Revision, err = c.u64(); err != nil {
			return nil, err
		}
	}
	if a.HasLocked, err = readBool(c); err != nil {
		return nil, err
	}
	if a.HasLocked {
		if a.Locked, err = readBool(c); err != nil {
			return nil, err
		}
	}
	if a.HasHolder, err = readBool(c); err != nil {
		return nil, err
	}
	if a.HasHolder {
		if a.Holder, err = c.str16(); err != nil {
			return nil, err
		}
	}
	if a.HasCorrelationID, err = readBool(c); err != nil {
		return nil, err
	}
	if a.HasCorrelationID {
		if a.CorrelationID, err = c.u32(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func decodeErrorMsg(c *cursor) (Message, error) {
	var e Error
	code, err := c.u16()
	if err != nil {
		return nil, err
	}
	e.Code = code
	if e.Message, err = c.str16(); err != nil {
		return nil, err
	}
	if e.HasAddress, err = readBool(c); err != nil {
		return nil, err
	}
	if e.HasAddress {
		if e.Address, err = c.str16(); err != nil {
			return nil, err
		}
	}
	if e.HasCorrelationID, err = readBool(c); err != nil {
		return nil, err
	}
	if e.HasCorrelationID {
		if e.CorrelationID, err = c.u32(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func decodeResult(c *cursor) (Message, error) {
	var r Result
	var err error
	if r.Pattern, err = c.str16(); err != nil {
		return nil, err
	}
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	r.Signals = make([]SignalDef, 0, n)
	for i := uint16(0); i < n; i++ {
		d, err := decodeSignalDef(c)
		if err != nil {
			return nil, err
		}
		r.Signals = append(r.Signals, d)
	}
	return r, nil
}
