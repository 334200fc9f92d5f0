package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/tomtzook/obsr-go/internal/obsrerr"
)

// Wire constants, per spec.md §6.
const (
	MagicByte      byte = 0x29
	ProtocolVersion byte = 0x01
	HeaderSize          = 11 // magic(1) + version(1) + index(4) + type(1) + length(4)
	MaxPayloadSize       = 1024
)

// ErrNeedMore signals the frame reader needs more bytes before it can
// make progress; callers should feed more data and retry.
var ErrNeedMore = errors.New("wire: need more data")

// MessageType is the tag byte identifying one of the eight message kinds.
type MessageType byte

const (
	MessageNone MessageType = iota
	MessageEntryCreate
	MessageEntryUpdate
	MessageEntryDelete
	MessageEntryIDAssign
	MessageHandshakeFinished
	MessageTimeSyncRequest
	MessageTimeSyncResponse
	MessageHandshakeReady
)

func (m MessageType) String() string {
	switch m {
	case MessageEntryCreate:
		return "entry_create"
	case MessageEntryUpdate:
		return "entry_update"
	case MessageEntryDelete:
		return "entry_delete"
	case MessageEntryIDAssign:
		return "entry_id_assign"
	case MessageHandshakeFinished:
		return "handshake_finished"
	case MessageTimeSyncRequest:
		return "time_sync_request"
	case MessageTimeSyncResponse:
		return "time_sync_response"
	case MessageHandshakeReady:
		return "handshake_ready"
	default:
		return "no_type"
	}
}

type frameHeader struct {
	Magic   byte
	Version byte
	Index   uint32
	Type    byte
	Length  uint32
}

func encodeHeader(h frameHeader) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Magic
	buf[1] = h.Version
	binary.BigEndian.PutUint32(buf[2:6], h.Index)
	buf[6] = h.Type
	binary.BigEndian.PutUint32(buf[7:11], h.Length)
	return buf
}

// Frame is one fully decoded wire record: header metadata plus payload.
type Frame struct {
	Index   uint32
	Type    MessageType
	Payload []byte
}

type readerState int

const (
	readerStateHeader readerState = iota
	readerStateMessage
)

// FrameReader implements the HEADER/MESSAGE state machine of spec.md §4.2:
// scan for the magic byte, validate the 11-byte header, then collect the
// payload. On a bad magic/version it restarts the scan one byte past the
// suspect magic rather than giving up on the stream.
type FrameReader struct {
	ring   *RingBuffer
	state  readerState
	header frameHeader
}

// NewFrameReader creates a frame reader with the given ring buffer capacity.
func NewFrameReader(capacity int) *FrameReader {
	return &FrameReader{ring: NewRingBuffer(capacity)}
}

// ReadFrom pulls bytes from src into the internal ring buffer with a
// single underlying Read call.
func (r *FrameReader) ReadFrom(src io.Reader) (int, error) {
	return r.ring.ReadFrom(src)
}

// Feed appends raw bytes directly into the ring buffer (used by tests and
// by callers that already have bytes in hand rather than a Reader).
func (r *FrameReader) Feed(data []byte) bool {
	return r.ring.Write(data)
}

// Next attempts to decode the next frame from buffered data. It returns
// ErrNeedMore when there isn't enough data yet. It returns an
// UnsupportedSize protocol error when a frame's declared length exceeds
// MaxPayloadSize; the oversized payload is best-effort skipped and the
// reader resumes scanning for the next frame, so the caller should simply
// call Next again (the session stays open, per spec.md §7).
func (r *FrameReader) Next() (*Frame, error) {
	for {
		switch r.state {
		case readerStateHeader:
			if !r.ring.FindAndSeek(MagicByte) {
				return nil, ErrNeedMore
			}
			if !r.ring.CanRead(HeaderSize) {
				return nil, ErrNeedMore
			}

			hdr, ok := r.peekHeader()
			if !ok {
				return nil, ErrNeedMore
			}

			if hdr.Version != ProtocolVersion {
				// restart the scan one byte past the suspect magic
				r.ring.SeekRead(1)
				continue
			}

			r.ring.SeekRead(HeaderSize)
			r.header = hdr
			r.state = readerStateMessage
			continue

		case readerStateMessage:
			length := int(r.header.Length)
			if length > MaxPayloadSize {
				toSkip := length
				if avail := r.ring.ReadAvailable(); toSkip > avail {
					toSkip = avail
				}
				r.ring.SeekRead(toSkip)
				r.state = readerStateHeader
				return nil, obsrerr.NewProtocol("wire.FrameReader.Next", obsrerr.ProtocolSubUnsupportedSize, nil)
			}

			if !r.ring.CanRead(length) {
				return nil, ErrNeedMore
			}

			payload := make([]byte, length)
			r.ring.Read(payload)

			f := &Frame{Index: r.header.Index, Type: MessageType(r.header.Type), Payload: payload}
			r.state = readerStateHeader
			return f, nil
		}
	}
}

// peekHeader reads the 11 header bytes at the current read cursor
// without consuming them, so a bad version can be rejected by advancing
// only one byte (not the whole header) for resync.
func (r *FrameReader) peekHeader() (frameHeader, bool) {
	var raw [HeaderSize]byte
	for i := 0; i < HeaderSize; i++ {
		b, ok := r.ring.PeekByte(i)
		if !ok {
			return frameHeader{}, false
		}
		raw[i] = b
	}

	return frameHeader{
		Magic:   raw[0],
		Version: raw[1],
		Index:   binary.BigEndian.Uint32(raw[2:6]),
		Type:    raw[6],
		Length:  binary.BigEndian.Uint32(raw[7:11]),
	}, true
}

// FrameWriter prepends the 11-byte header to each payload and numbers
// outgoing frames with a monotonic per-session index, for diagnostics
// only (spec.md §4.2 — receivers do not enforce order by it).
type FrameWriter struct {
	nextIndex uint32
}

// NewFrameWriter creates a frame writer starting its index counter at 0.
func NewFrameWriter() *FrameWriter {
	return &FrameWriter{}
}

// Encode builds the wire bytes for one frame: header + payload. Fails if
// len(payload) exceeds MaxPayloadSize.
func (w *FrameWriter) Encode(msgType MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, obsrerr.New(obsrerr.KindDataTooLarge, "wire.FrameWriter.Encode", nil)
	}

	hdr := frameHeader{
		Magic:   MagicByte,
		Version: ProtocolVersion,
		Index:   w.nextIndex,
		Type:    byte(msgType),
		Length:  uint32(len(payload)),
	}
	w.nextIndex++

	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, encodeHeader(hdr)...)
	out = append(out, payload...)
	return out, nil
}
