package wire

import (
	"encoding/binary"
	"math"

	"github.com/tomtzook/obsr-go/internal/obsrerr"
	"github.com/tomtzook/obsr-go/internal/value"
)

// parserState enumerates the message-codec state machine's states, per
// spec.md §4.3.
type parserState int

const (
	stateCheckType parserState = iota
	stateReadID
	stateReadName
	stateReadValueType
	stateReadValue
	stateReadSendTime
	stateReadTimeValue
	stateDone
)

// Decoded is the generic parse result for any of the eight message
// kinds, mirroring the source's single reusable parse_data struct: only
// the fields relevant to Type are populated.
type Decoded struct {
	Type        MessageType
	ID          uint16
	Name        string
	Value       value.Value
	SendTime    int64
	RequestTime int64 // time_sync_response's echoed request_time
}

// cursor is a forward-only reader over a single frame's payload bytes.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) readN(n int) ([]byte, bool) {
	if c.pos+n > len(c.buf) {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

func (c *cursor) readU8() (uint8, bool) {
	b, ok := c.readN(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (c *cursor) readU16() (uint16, bool) {
	b, ok := c.readN(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (c *cursor) readU32() (uint32, bool) {
	b, ok := c.readN(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (c *cursor) readU64() (uint64, bool) {
	b, ok := c.readN(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// readLenPrefixed reads a len8-prefixed byte string, used for names and
// raw/array value payloads.
func (c *cursor) readLenPrefixed() ([]byte, bool) {
	n, ok := c.readU8()
	if !ok {
		return nil, false
	}
	return c.readN(int(n))
}

// Parse decodes a frame's payload according to msgType, stepping through
// the {CheckType, ReadId, ReadName, ReadValueType, ReadValue,
// ReadSendTime, ReadTimeValue} state machine. Unknown tags, truncated
// payloads, and impossible transitions fail with UnknownType, ReadData,
// and UnknownState respectively, per spec.md §4.3.
func Parse(msgType MessageType, payload []byte) (Decoded, error) {
	c := &cursor{buf: payload}
	d := Decoded{Type: msgType}

	state := stateCheckType
	for state != stateDone {
		next, err := processAndAdvance(state, msgType, c, &d)
		if err != nil {
			return Decoded{}, err
		}
		state = next
	}

	return d, nil
}

func processAndAdvance(state parserState, msgType MessageType, c *cursor, d *Decoded) (parserState, error) {
	switch state {
	case stateCheckType:
		switch msgType {
		case MessageEntryCreate, MessageEntryUpdate, MessageEntryDelete,
			MessageTimeSyncRequest, MessageTimeSyncResponse:
			return stateReadSendTime, nil
		case MessageEntryIDAssign:
			return stateReadID, nil
		case MessageHandshakeReady, MessageHandshakeFinished:
			return stateDone, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadSendTime:
		t, ok := c.readU64()
		if !ok {
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubReadData, nil)
		}
		d.SendTime = int64(t)

		switch msgType {
		case MessageEntryCreate, MessageEntryIDAssign:
			return stateReadID, nil
		case MessageEntryUpdate:
			return stateReadID, nil
		case MessageEntryDelete:
			return stateReadID, nil
		case MessageTimeSyncRequest:
			return stateDone, nil
		case MessageTimeSyncResponse:
			return stateReadTimeValue, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadID:
		id, ok := c.readU16()
		if !ok {
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubReadData, nil)
		}
		d.ID = id

		switch msgType {
		case MessageEntryCreate, MessageEntryIDAssign:
			return stateReadName, nil
		case MessageEntryUpdate:
			return stateReadValueType, nil
		case MessageEntryDelete:
			return stateDone, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadName:
		nameBytes, ok := c.readLenPrefixed()
		if !ok {
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubReadData, nil)
		}
		d.Name = string(nameBytes)

		switch msgType {
		case MessageEntryCreate:
			return stateReadValueType, nil
		case MessageEntryIDAssign:
			return stateDone, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadValueType:
		t, ok := c.readU8()
		if !ok {
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubReadData, nil)
		}

		switch msgType {
		case MessageEntryCreate, MessageEntryUpdate:
			v, err := readValue(c, value.Type(t))
			if err != nil {
				return 0, err
			}
			d.Value = v
			return stateReadValue, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadValue:
		// value already consumed in stateReadValueType (its length
		// depends on the type tag read there); this state exists only
		// to mirror the source's transition table and terminate.
		switch msgType {
		case MessageEntryCreate, MessageEntryUpdate:
			return stateDone, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	case stateReadTimeValue:
		t, ok := c.readU64()
		if !ok {
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubReadData, nil)
		}
		d.RequestTime = int64(t)

		switch msgType {
		case MessageTimeSyncResponse:
			return stateDone, nil
		default:
			return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownType, nil)
		}

	default:
		return 0, obsrerr.NewProtocol("wire.Parse", obsrerr.ProtocolSubUnknownState, nil)
	}
}

// readValue decodes a Value of the given tag from c, per spec.md §6's
// wire encoding: empty is 0 bytes, boolean is 1 byte, scalar
// integers/floats are fixed width, raw/arrays are len8 + len8*elemsize.
func readValue(c *cursor, t value.Type) (value.Value, error) {
	fail := func() (value.Value, error) {
		return value.Value{}, obsrerr.NewProtocol("wire.readValue", obsrerr.ProtocolSubReadData, nil)
	}

	switch t {
	case value.TypeEmpty:
		return value.Empty(), nil
	case value.TypeBoolean:
		b, ok := c.readU8()
		if !ok {
			return fail()
		}
		return value.NewBoolean(b != 0), nil
	case value.TypeInt32:
		b, ok := c.readU32()
		if !ok {
			return fail()
		}
		return value.NewInt32(int32(b)), nil
	case value.TypeInt64:
		b, ok := c.readU64()
		if !ok {
			return fail()
		}
		return value.NewInt64(int64(b)), nil
	case value.TypeFloat32:
		b, ok := c.readU32()
		if !ok {
			return fail()
		}
		return value.NewFloat32(math.Float32frombits(b)), nil
	case value.TypeFloat64:
		b, ok := c.readU64()
		if !ok {
			return fail()
		}
		return value.NewFloat64(math.Float64frombits(b)), nil
	case value.TypeRaw:
		raw, ok := c.readLenPrefixed()
		if !ok {
			return fail()
		}
		v, err := value.NewRaw(raw)
		if err != nil {
			return value.Value{}, err
		}
		return v, nil
	case value.TypeInt32Array:
		raw, ok := c.readLenPrefixed()
		if !ok || len(raw)%4 != 0 {
			return fail()
		}
		arr := make([]int32, len(raw)/4)
		for i := range arr {
			arr[i] = int32(binary.BigEndian.Uint32(raw[i*4:]))
		}
		v, err := value.NewInt32Array(arr)
		if err != nil {
			return value.Value{}, err
		}
		return v, nil
	case value.TypeInt64Array:
		raw, ok := c.readLenPrefixed()
		if !ok || len(raw)%8 != 0 {
			return fail()
		}
		arr := make([]int64, len(raw)/8)
		for i := range arr {
			arr[i] = int64(binary.BigEndian.Uint64(raw[i*8:]))
		}
		v, err := value.NewInt64Array(arr)
		if err != nil {
			return value.Value{}, err
		}
		return v, nil
	case value.TypeFloat32Array:
		raw, ok := c.readLenPrefixed()
		if !ok || len(raw)%4 != 0 {
			return fail()
		}
		arr := make([]float32, len(raw)/4)
		for i := range arr {
			arr[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
		}
		v, err := value.NewFloat32Array(arr)
		if err != nil {
			return value.Value{}, err
		}
		return v, nil
	case value.TypeFloat64Array:
		raw, ok := c.readLenPrefixed()
		if !ok || len(raw)%8 != 0 {
			return fail()
		}
		arr := make([]float64, len(raw)/8)
		for i := range arr {
			arr[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
		v, err := value.NewFloat64Array(arr)
		if err != nil {
			return value.Value{}, err
		}
		return v, nil
	default:
		return value.Value{}, obsrerr.NewProtocol("wire.readValue", obsrerr.ProtocolSubUnknownType, nil)
	}
}

// writeValue encodes v's wire representation (type tag NOT included;
// callers write the tag byte themselves where the format calls for it).
func writeValue(buf []byte, v value.Value) ([]byte, error) {
	switch v.Type() {
	case value.TypeEmpty:
		return buf, nil
	case value.TypeBoolean:
		b, _ := v.Boolean()
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case value.TypeInt32:
		i, _ := v.Int32()
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(i))
		return append(buf, tmp[:]...), nil
	case value.TypeInt64:
		i, _ := v.Int64()
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(i))
		return append(buf, tmp[:]...), nil
	case value.TypeFloat32:
		f, _ := v.Float32()
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(f))
		return append(buf, tmp[:]...), nil
	case value.TypeFloat64:
		f, _ := v.Float64()
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
		return append(buf, tmp[:]...), nil
	case value.TypeRaw:
		raw, _ := v.Raw()
		return writeLenPrefixed(buf, raw)
	case value.TypeInt32Array:
		arr, _ := v.Int32Array()
		raw := make([]byte, len(arr)*4)
		for i, e := range arr {
			binary.BigEndian.PutUint32(raw[i*4:], uint32(e))
		}
		return writeLenPrefixed(buf, raw)
	case value.TypeInt64Array:
		arr, _ := v.Int64Array()
		raw := make([]byte, len(arr)*8)
		for i, e := range arr {
			binary.BigEndian.PutUint64(raw[i*8:], uint64(e))
		}
		return writeLenPrefixed(buf, raw)
	case value.TypeFloat32Array:
		arr, _ := v.Float32Array()
		raw := make([]byte, len(arr)*4)
		for i, e := range arr {
			binary.BigEndian.PutUint32(raw[i*4:], math.Float32bits(e))
		}
		return writeLenPrefixed(buf, raw)
	case value.TypeFloat64Array:
		arr, _ := v.Float64Array()
		raw := make([]byte, len(arr)*8)
		for i, e := range arr {
			binary.BigEndian.PutUint64(raw[i*8:], math.Float64bits(e))
		}
		return writeLenPrefixed(buf, raw)
	default:
		return nil, obsrerr.New(obsrerr.KindProtocol, "wire.writeValue", nil)
	}
}

func writeLenPrefixed(buf []byte, data []byte) ([]byte, error) {
	if len(data) > value.MaxElements {
		return nil, obsrerr.New(obsrerr.KindDataTooLarge, "wire.writeLenPrefixed", nil)
	}
	buf = append(buf, byte(len(data)))
	buf = append(buf, data...)
	return buf, nil
}

// Serializer builds one frame payload at a time into a reusable linear
// buffer, mirroring message_serializer's reset/data/size contract. A
// failed build (insufficient room or an oversize value) leaves the
// buffer's exposed contents undefined; callers must treat any error as
// "abandon this message" and call Reset before reuse, per spec.md §4.3.
type Serializer struct {
	buf []byte
	cap int
}

// NewSerializer creates a serializer with the given maximum frame size.
func NewSerializer(maxSize int) *Serializer {
	if maxSize <= 0 {
		maxSize = MaxPayloadSize
	}
	return &Serializer{buf: make([]byte, 0, maxSize), cap: maxSize}
}

// Reset clears the serializer for a new message.
func (s *Serializer) Reset() { s.buf = s.buf[:0] }

// Data returns the bytes written so far.
func (s *Serializer) Data() []byte { return s.buf }

// Size returns the number of bytes written so far.
func (s *Serializer) Size() int { return len(s.buf) }

func (s *Serializer) writeU16(v uint16) bool {
	if len(s.buf)+2 > s.cap {
		return false
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
	return true
}

func (s *Serializer) writeU64(v uint64) bool {
	if len(s.buf)+8 > s.cap {
		return false
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
	return true
}

func (s *Serializer) writeLenPrefixed(b []byte) bool {
	if len(b) > value.MaxElements || len(s.buf)+1+len(b) > s.cap {
		return false
	}
	s.buf = append(s.buf, byte(len(b)))
	s.buf = append(s.buf, b...)
	return true
}

func (s *Serializer) writeValue(v value.Value) bool {
	if len(s.buf)+1 > s.cap {
		return false
	}
	s.buf = append(s.buf, byte(v.Type()))

	encoded, err := writeValue(nil, v)
	if err != nil || len(s.buf)+len(encoded) > s.cap {
		return false
	}
	s.buf = append(s.buf, encoded...)
	return true
}

// EntryCreate serializes an EntryCreate payload:
// send_time:u64, id:u16, name:len8+bytes, type:u8, value.
func (s *Serializer) EntryCreate(sendTime int64, id uint16, name string, v value.Value) bool {
	if len(name) > value.MaxElements {
		return false
	}
	return s.writeU64(uint64(sendTime)) &&
		s.writeU16(id) &&
		s.writeLenPrefixed([]byte(name)) &&
		s.writeValue(v)
}

// EntryUpdate serializes an EntryUpdate payload: send_time:u64, id:u16, type:u8, value.
func (s *Serializer) EntryUpdate(sendTime int64, id uint16, v value.Value) bool {
	return s.writeU64(uint64(sendTime)) && s.writeU16(id) && s.writeValue(v)
}

// EntryDelete serializes an EntryDelete payload: send_time:u64, id:u16.
func (s *Serializer) EntryDelete(sendTime int64, id uint16) bool {
	return s.writeU64(uint64(sendTime)) && s.writeU16(id)
}

// EntryIDAssign serializes an EntryIdAssign payload: id:u16, name:len8+bytes.
func (s *Serializer) EntryIDAssign(id uint16, name string) bool {
	if len(name) > value.MaxElements {
		return false
	}
	return s.writeU16(id) && s.writeLenPrefixed([]byte(name))
}

// TimeSyncRequest serializes a TimeSyncRequest payload: send_time:u64.
func (s *Serializer) TimeSyncRequest(sendTime int64) bool {
	return s.writeU64(uint64(sendTime))
}

// TimeSyncResponse serializes a TimeSyncResponse payload: send_time:u64, request_time:u64.
func (s *Serializer) TimeSyncResponse(sendTime, requestTime int64) bool {
	return s.writeU64(uint64(sendTime)) && s.writeU64(uint64(requestTime))
}

// HandshakeReady/HandshakeFinished have empty payloads; callers encode
// them directly via FrameWriter.Encode(Message..., nil).
