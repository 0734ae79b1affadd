// Package messageset implements the MessageSet envelope: the unit persisted
// by the disk-overflow queue and written by the local file sink.
//
// Wire format (all integers big-endian):
//
//	[hostLen    : 4 bytes, int32][hostname  : hostLen bytes]
//	[appLen     : 4 bytes, int32][app       : appLen bytes]
//	[serdeLen   : 4 bytes, int32][serdeName : serdeLen bytes]
//	[compression: 1 byte]
//	[crc        : 8 bytes, int64]
//	[payloadLen : 4 bytes, int32][payload   : payloadLen bytes]
//
// Encoding is deterministic, and Decode rejects trailing bytes, so
// Encode(Decode(b)) == b for every b that decodes successfully.
package messageset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Compression identifies how an envelope payload is compressed.
type Compression byte

const (
	// CompressionNone stores the payload as-is.
	CompressionNone Compression = 0
	// CompressionS2 stores the payload compressed with klauspost s2.
	CompressionS2 Compression = 1
)

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	}
	return 0, fmt.Errorf("messageset: unknown compression %q", s)
}

var (
	// ErrTruncated means a declared length ran past the end of the input.
	ErrTruncated = errors.New("messageset: truncated input")
	// ErrMalformed means a field holds a value that can never be valid.
	ErrMalformed = errors.New("messageset: malformed input")
	// ErrChecksum means the payload does not match the envelope CRC.
	ErrChecksum = errors.New("messageset: checksum mismatch")
)

// DecodeError describes where decoding failed. It wraps ErrTruncated or
// ErrMalformed.
type DecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messageset: decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope is a batch of messages plus the metadata describing how its
// payload was produced.
type Envelope struct {
	Hostname    string
	App         string
	SerdeName   string
	Compression Compression
	CRC         int64
	Payload     []byte
}

// EncodedLen returns the exact number of bytes Encode will produce.
func (e *Envelope) EncodedLen() int {
	return 4 + len(e.Hostname) + 4 + len(e.App) + 4 + len(e.SerdeName) + 1 + 8 + 4 + len(e.Payload)
}

// Encode serialises e into the wire format.
func Encode(e *Envelope) []byte {
	return AppendEncode(make([]byte, 0, e.EncodedLen()), e)
}

// AppendEncode appends the encoding of e to dst and returns the result.
func AppendEncode(dst []byte, e *Envelope) []byte {
	w := &byteWriter{buf: dst}
	w.writeString(e.Hostname)
	w.writeString(e.App)
	w.writeString(e.SerdeName)
	w.writeByte(byte(e.Compression))
	w.writeInt64(e.CRC)
	w.writeInt32(int32(len(e.Payload)))
	w.write(e.Payload)
	return w.buf
}

// Decode parses a single envelope occupying all of b. It never returns a
// partially populated envelope: on failure the zero Envelope and a
// *DecodeError are returned. The payload is copied out of b.
func Decode(b []byte) (Envelope, error) {
	r := &byteReader{buf: b}

	hostname, err := r.readString("hostname")
	if err != nil {
		return Envelope{}, err
	}
	app, err := r.readString("app")
	if err != nil {
		return Envelope{}, err
	}
	serde, err := r.readString("serdeName")
	if err != nil {
		return Envelope{}, err
	}
	compression, err := r.readByte("compression")
	if err != nil {
		return Envelope{}, err
	}
	crc, err := r.readInt64("crc")
	if err != nil {
		return Envelope{}, err
	}
	payload, err := r.readBytes("payload")
	if err != nil {
		return Envelope{}, err
	}
	if r.remaining() != 0 {
		return Envelope{}, &DecodeError{Field: "trailer", Offset: r.offset,
			Err: fmt.Errorf("%d trailing bytes: %w", r.remaining(), ErrMalformed)}
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return Envelope{
		Hostname:    hostname,
		App:         app,
		SerdeName:   serde,
		Compression: Compression(compression),
		CRC:         crc,
		Payload:     out,
	}, nil
}

// ---- byte-level writer / reader --------------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)   { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)     { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeInt32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *byteWriter) writeInt64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *byteWriter) writeString(s string) {
	w.writeInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// byteReader checks every length against the remaining input so a corrupt
// or truncated buffer surfaces as a DecodeError instead of a panic.
type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.offset }

func (r *byteReader) need(field string, n int) error {
	if n > r.remaining() {
		return &DecodeError{Field: field, Offset: r.offset,
			Err: fmt.Errorf("need %d bytes, have %d: %w", n, r.remaining(), ErrTruncated)}
	}
	return nil
}

func (r *byteReader) readByte(field string) (byte, error) {
	if err := r.need(field, 1); err != nil {
		return 0, err
	}
	v := r.buf[r.offset]
	r.offset++
	return v, nil
}

func (r *byteReader) readInt32(field string) (int32, error) {
	if err := r.need(field, 4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.offset:]))
	r.offset += 4
	return v, nil
}

func (r *byteReader) readInt64(field string) (int64, error) {
	if err := r.need(field, 8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.offset:]))
	r.offset += 8
	return v, nil
}

// readBytes reads an int32 length followed by that many bytes. The returned
// slice aliases the input.
func (r *byteReader) readBytes(field string) ([]byte, error) {
	start := r.offset
	n, err := r.readInt32(field + " length")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &DecodeError{Field: field, Offset: start,
			Err: fmt.Errorf("negative length %d: %w", n, ErrMalformed)}
	}
	if err := r.need(field, int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.offset : r.offset+int(n)]
	r.offset += int(n)
	return v, nil
}

func (r *byteReader) readString(field string) (string, error) {
	b, err := r.readBytes(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// maxPayload bounds payloads so their length always fits the int32 field.
const maxPayload = math.MaxInt32
