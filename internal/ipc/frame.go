package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Prefix opens every modern frame.
const Prefix = "\x1b@fig-"

const (
	tagLen    = 4
	lengthLen = 8

	// HeaderLen is prefix + encoding tag + big-endian payload length.
	HeaderLen = len(Prefix) + tagLen + lengthLen

	// DefaultMaxFrameSize bounds the declared payload length.
	DefaultMaxFrameSize = 4 << 20
)

var (
	ErrProtocol        = errors.New("ipc: protocol error")
	ErrBadPrefix       = fmt.Errorf("%w: bad frame prefix", ErrProtocol)
	ErrUnknownEncoding = fmt.Errorf("%w: unknown encoding tag", ErrProtocol)
	ErrIncomplete      = fmt.Errorf("%w: incomplete frame", ErrProtocol)
	ErrFrameTooLarge   = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrDecode          = fmt.Errorf("%w: undecodable payload", ErrProtocol)
)

// Encoding selects the payload codec of a modern frame.
type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingJSON
)

// Tag returns the 4-byte wire tag.
func (e Encoding) Tag() string {
	if e == EncodingJSON {
		return "json"
	}
	return "pbuf"
}

func (e Encoding) String() string {
	if e == EncodingJSON {
		return "json"
	}
	return "binary"
}

// ParseEncoding accepts "binary", "pbuf", "protobuf" or "json".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "binary", "pbuf", "protobuf", "":
		return EncodingBinary, nil
	case "json":
		return EncodingJSON, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
}

func encodingFromTag(tag []byte) (Encoding, bool) {
	switch string(tag) {
	case "pbuf":
		return EncodingBinary, true
	case "json":
		return EncodingJSON, true
	}
	return 0, false
}

// splitFrame validates the header at the start of buf and returns the payload.
// n is the full frame length; it is set whenever the header was readable so
// callers can skip a frame whose payload fails to decode.
func splitFrame(buf []byte, maxSize int) (enc Encoding, payload []byte, n int, err error) {
	if len(buf) < len(Prefix) {
		if bytes.HasPrefix([]byte(Prefix), buf) {
			return 0, nil, 0, ErrIncomplete
		}
		return 0, nil, 0, ErrBadPrefix
	}
	if !bytes.HasPrefix(buf, []byte(Prefix)) {
		return 0, nil, 0, ErrBadPrefix
	}
	if len(buf) < HeaderLen {
		return 0, nil, 0, ErrIncomplete
	}

	enc, ok := encodingFromTag(buf[len(Prefix) : len(Prefix)+tagLen])
	if !ok {
		return 0, nil, 0, fmt.Errorf("%w: %q", ErrUnknownEncoding, buf[len(Prefix):len(Prefix)+tagLen])
	}

	size := binary.BigEndian.Uint64(buf[len(Prefix)+tagLen : HeaderLen])
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if size > uint64(maxSize) || size > math.MaxInt32 {
		return 0, nil, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, maxSize)
	}
	total := HeaderLen + int(size)
	if len(buf) < total {
		return 0, nil, 0, ErrIncomplete
	}
	return enc, buf[HeaderLen:total], total, nil
}

func appendFrame(dst []byte, enc Encoding, payload []byte) []byte {
	dst = append(dst, Prefix...)
	dst = append(dst, enc.Tag()...)
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// Parse decodes one envelope frame from the start of buf. It needs the full
// header and payload; a short buffer yields ErrIncomplete. n is the number of
// bytes the frame occupies.
func Parse(buf []byte) (Envelope, Encoding, int, error) {
	return ParseLimit(buf, DefaultMaxFrameSize)
}

// ParseLimit is Parse with an explicit maximum payload size.
func ParseLimit(buf []byte, maxSize int) (Envelope, Encoding, int, error) {
	enc, payload, n, err := splitFrame(buf, maxSize)
	if err != nil {
		return Envelope{}, 0, n, err
	}
	env, err := DecodeEnvelope(enc, payload)
	if err != nil {
		return Envelope{}, enc, n, err
	}
	return env, enc, n, nil
}

// Serialize frames an envelope with the given encoding.
func Serialize(env Envelope, enc Encoding) ([]byte, error) {
	payload, err := EncodeEnvelope(enc, env)
	if err != nil {
		return nil, err
	}
	return appendFrame(make([]byte, 0, HeaderLen+len(payload)), enc, payload), nil
}

// ParseResponse decodes one response frame from the start of buf.
func ParseResponse(buf []byte) (CommandResponse, Encoding, int, error) {
	enc, payload, n, err := splitFrame(buf, DefaultMaxFrameSize)
	if err != nil {
		return CommandResponse{}, 0, n, err
	}
	resp, err := DecodeResponse(enc, payload)
	if err != nil {
		return CommandResponse{}, enc, n, err
	}
	return resp, enc, n, nil
}

// SerializeResponse frames a command response with the given encoding.
func SerializeResponse(resp CommandResponse, enc Encoding) ([]byte, error) {
	payload, err := EncodeResponse(enc, resp)
	if err != nil {
		return nil, err
	}
	return appendFrame(make([]byte, 0, HeaderLen+len(payload)), enc, payload), nil
}

// EncodeEnvelope encodes an envelope payload without framing.
func EncodeEnvelope(enc Encoding, env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if enc == EncodingJSON {
		return marshalEnvelopeJSON(env)
	}
	return marshalEnvelope(env)
}

// DecodeEnvelope decodes an unframed envelope payload.
func DecodeEnvelope(enc Encoding, payload []byte) (Envelope, error) {
	var (
		env Envelope
		err error
	)
	if enc == EncodingJSON {
		env, err = unmarshalEnvelopeJSON(payload)
	} else {
		env, err = unmarshalEnvelope(payload)
	}
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// EncodeResponse encodes a response payload without framing.
func EncodeResponse(enc Encoding, resp CommandResponse) ([]byte, error) {
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: response without body", ErrDecode)
	}
	if enc == EncodingJSON {
		return marshalResponseJSON(resp)
	}
	return marshalResponse(resp)
}

// DecodeResponse decodes an unframed response payload.
func DecodeResponse(enc Encoding, payload []byte) (CommandResponse, error) {
	var (
		resp CommandResponse
		err  error
	)
	if enc == EncodingJSON {
		resp, err = unmarshalResponseJSON(payload)
	} else {
		resp, err = unmarshalResponse(payload)
	}
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return CommandResponse{}, err
		}
		return CommandResponse{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.Body == nil {
		return CommandResponse{}, fmt.Errorf("%w: response without body", ErrDecode)
	}
	return resp, nil
}

// ReadFrame reads exactly one frame from r and returns its encoding and payload.
func ReadFrame(r io.Reader, maxSize int) (Encoding, []byte, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if !bytes.HasPrefix(header, []byte(Prefix)) {
		return 0, nil, ErrBadPrefix
	}
	enc, ok := encodingFromTag(header[len(Prefix) : len(Prefix)+tagLen])
	if !ok {
		return 0, nil, ErrUnknownEncoding
	}
	size := binary.BigEndian.Uint64(header[len(Prefix)+tagLen:])
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if size > uint64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, int(size))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return enc, payload, nil
}

// FrameReader accumulates bytes from one connection until whole frames are
// available. It is not safe for concurrent use.
type FrameReader struct {
	buf     []byte
	maxSize int
}

// NewFrameReader creates a reader rejecting payloads above maxSize
// (DefaultMaxFrameSize when <= 0).
func NewFrameReader(maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{maxSize: maxSize}
}

// Feed appends bytes read from the connection.
func (r *FrameReader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Next returns the next complete envelope. ErrIncomplete means more bytes are
// needed. A bad prefix, unknown encoding or oversized length discards
// everything buffered since there is no way to find the next frame boundary.
// An undecodable payload discards only that frame.
func (r *FrameReader) Next() (Envelope, Encoding, error) {
	if len(r.buf) == 0 {
		return Envelope{}, 0, ErrIncomplete
	}
	env, enc, n, err := ParseLimit(r.buf, r.maxSize)
	switch {
	case err == nil:
		r.consume(n)
		return env, enc, nil
	case errors.Is(err, ErrIncomplete):
		return Envelope{}, 0, err
	case errors.Is(err, ErrDecode) && n > 0:
		r.consume(n)
		return Envelope{}, enc, err
	default:
		r.buf = r.buf[:0]
		return Envelope{}, 0, err
	}
}

func (r *FrameReader) consume(n int) {
	if n >= len(r.buf) {
		r.buf = r.buf[:0]
		return
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
}
