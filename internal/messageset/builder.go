package messageset

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/s2"

	"github.com/snehjoshi/epochsink/internal/types"
)

// SerdeName is the serde identifier stamped on envelopes built by Builder.
const SerdeName = "messageset"

// Builder accumulates messages into an envelope payload.
//
// The payload is a sequence of records:
//
//	[rkLen : 4 bytes, int32][routingKey : rkLen bytes]
//	[len   : 4 bytes, int32][payload    : len bytes]
//
// The envelope CRC is the CRC32 (IEEE) of this uncompressed sequence.
type Builder struct {
	hostname    string
	app         string
	compression Compression
	buf         []byte
	count       int
}

// NewBuilder returns a Builder stamping envelopes with hostname and app.
func NewBuilder(hostname, app string, c Compression) *Builder {
	return &Builder{hostname: hostname, app: app, compression: c}
}

// Add appends msg to the payload under construction.
func (b *Builder) Add(msg types.Message) *Builder {
	w := &byteWriter{buf: b.buf}
	w.writeString(msg.RoutingKey)
	w.writeInt32(int32(len(msg.Payload)))
	w.write(msg.Payload)
	b.buf = w.buf
	b.count++
	return b
}

// AddAll appends every message in msgs.
func (b *Builder) AddAll(msgs []types.Message) *Builder {
	for _, m := range msgs {
		b.Add(m)
	}
	return b
}

// Len returns the number of messages added since the last Build.
func (b *Builder) Len() int { return b.count }

// Build produces the envelope and resets the builder.
func (b *Builder) Build() (*Envelope, error) {
	raw := b.buf
	b.buf = nil
	b.count = 0

	if len(raw) > maxPayload {
		return nil, fmt.Errorf("messageset: payload of %d bytes exceeds limit", len(raw))
	}

	e := &Envelope{
		Hostname:    b.hostname,
		App:         b.app,
		SerdeName:   SerdeName,
		Compression: b.compression,
		CRC:         int64(crc32.ChecksumIEEE(raw)),
	}
	switch b.compression {
	case CompressionNone:
		e.Payload = raw
	case CompressionS2:
		e.Payload = s2.Encode(nil, raw)
	default:
		return nil, fmt.Errorf("messageset: build: unsupported compression %s", b.compression)
	}
	return e, nil
}

// Messages decompresses the payload, verifies the CRC, and splits it back
// into the messages it was built from.
func (e *Envelope) Messages() ([]types.Message, error) {
	var raw []byte
	switch e.Compression {
	case CompressionNone:
		raw = e.Payload
	case CompressionS2:
		var err error
		raw, err = s2.Decode(nil, e.Payload)
		if err != nil {
			return nil, &DecodeError{Field: "payload", Err: fmt.Errorf("s2: %v: %w", err, ErrMalformed)}
		}
	default:
		return nil, &DecodeError{Field: "compression",
			Err: fmt.Errorf("unsupported compression %s: %w", e.Compression, ErrMalformed)}
	}

	if got := int64(crc32.ChecksumIEEE(raw)); got != e.CRC {
		return nil, fmt.Errorf("stored=%x computed=%x: %w", e.CRC, got, ErrChecksum)
	}

	var msgs []types.Message
	r := &byteReader{buf: raw}
	for r.remaining() > 0 {
		rk, err := r.readString("routingKey")
		if err != nil {
			return nil, err
		}
		p, err := r.readBytes("message")
		if err != nil {
			return nil, err
		}
		payload := make([]byte, len(p))
		copy(payload, p)
		msgs = append(msgs, types.Message{RoutingKey: rk, Payload: payload})
	}
	return msgs, nil
}

// ReadFramed splits a stream of length-prefixed envelopes, as written by
// the local file sink's messageset writer, calling fn for each one.
func ReadFramed(b []byte, fn func(Envelope) error) error {
	for off := 0; off < len(b); {
		if len(b)-off < 4 {
			return &DecodeError{Field: "frame length", Offset: off, Err: ErrTruncated}
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if n > len(b)-off {
			return &DecodeError{Field: "frame", Offset: off,
				Err: fmt.Errorf("need %d bytes, have %d: %w", n, len(b)-off, ErrTruncated)}
		}
		e, err := Decode(b[off : off+n])
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		off += n
	}
	return nil
}
