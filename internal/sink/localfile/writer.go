package localfile

import (
	"encoding/binary"
	"fmt"

	"github.com/snehjoshi/epochsink/internal/messageset"
	"github.com/snehjoshi/epochsink/internal/types"
)

// Writer names accepted in Config.Writer.
const (
	WriterText       = "text"
	WriterMessageSet = "messageset"
)

// Writer encodes a batch into the records appended to the output file. The
// sink checks the size trigger after every record, so a writer that emits
// one record per message rotates more precisely than one that emits a
// single record per batch. emit copies the record; writers may reuse it.
type Writer interface {
	WriteBatch(batch []types.Message, emit func(record []byte) error) error
}

// NewWriter returns the writer registered under name.
func NewWriter(name, hostname, app string, c messageset.Compression) (Writer, error) {
	switch name {
	case "", WriterText:
		return TextWriter{}, nil
	case WriterMessageSet:
		return &MessageSetWriter{hostname: hostname, app: app, compression: c}, nil
	default:
		return nil, fmt.Errorf("localfile: unknown writer %q", name)
	}
}

// TextWriter writes each payload followed by a newline.
type TextWriter struct{}

func (TextWriter) WriteBatch(batch []types.Message, emit func([]byte) error) error {
	var buf []byte
	for _, m := range batch {
		buf = append(buf[:0], m.Payload...)
		buf = append(buf, '\n')
		if err := emit(buf); err != nil {
			return err
		}
	}
	return nil
}

// MessageSetWriter writes each batch as one envelope preceded by its 4-byte
// big-endian length. messageset.ReadFramed reads the result back.
type MessageSetWriter struct {
	hostname    string
	app         string
	compression messageset.Compression
}

func (w *MessageSetWriter) WriteBatch(batch []types.Message, emit func([]byte) error) error {
	env, err := messageset.NewBuilder(w.hostname, w.app, w.compression).AddAll(batch).Build()
	if err != nil {
		return fmt.Errorf("localfile: build envelope: %w", err)
	}
	rec := make([]byte, 4, 4+env.EncodedLen())
	rec = messageset.AppendEncode(rec, env)
	binary.BigEndian.PutUint32(rec, uint32(len(rec)-4))
	return emit(rec)
}
