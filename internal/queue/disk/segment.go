// Package disk provides the disk-overflow sink queue: a durable, append-only
// log split into time-windowed segment files, with a bbolt index holding the
// segment registry and the read cursor.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// segmentExt is the file extension of every segment in the queue directory.
const segmentExt = ".seg"

var (
	// errEndOfSegment is returned by readAt when offset is at the end of the
	// segment.
	errEndOfSegment = errors.New("disk: end of segment")
	// errCorrupted is returned by readAt when a record fails its checksum.
	errCorrupted = errors.New("disk: record corrupted")
)

// recordOverhead is the fixed part of every record:
//
//	[totalLen   : 4 bytes, uint32, big-endian]
//	[createdAt  : 8 bytes, int64]   ← UTC ms, drives retention
//	[envelope   : totalLen-12 bytes] ← messageset-encoded envelope
//	[checksum   : 4 bytes, uint32, CRC32 of createdAt+envelope]
//
// totalLen covers every byte after the 4-byte length prefix itself.
const recordOverhead = 4 + 8 + 4

// segment is one append-only file covering a fixed time window. Segments are
// named by a ULID so lexical order is creation order.
//
// A segment is not safe for concurrent use; the owning Queue serialises
// access under its mutex.
type segment struct {
	id   string
	path string
	file *os.File

	size        int64 // bytes of valid records
	count       int   // records in the file
	consumed    int   // records already read past by the cursor
	createdMs   int64 // window start
	lastWriteMs int64 // createdAt of the newest record
}

// openSegment opens (or creates) the segment file at path and scans it to
// restore size, count and lastWriteMs. A torn trailing record left by a crash
// mid-write is truncated away.
func openSegment(id, path string, createdMs int64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	s := &segment{id: id, path: path, file: f, createdMs: createdMs}

	if err := s.scan(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: scan %s: %w", path, err)
	}
	return s, nil
}

// scan walks every record, stopping at the first torn or corrupt one.
func (s *segment) scan() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}

	var offset int64
	for {
		ts, _, next, err := s.readAt(offset)
		if err != nil {
			break
		}
		s.count++
		if ts > s.lastWriteMs {
			s.lastWriteMs = ts
		}
		offset = next
	}
	s.size = offset

	if info.Size() > offset {
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail at %d: %w", offset, err)
		}
	}
	return nil
}

// append writes one record holding envelope and returns its offset.
func (s *segment) append(createdMs int64, envelope []byte) (int64, error) {
	totalLen := 8 + len(envelope) + 4
	buf := make([]byte, 0, 4+totalLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalLen))
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdMs))
	buf = append(buf, envelope...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[4:]))

	offset := s.size
	if _, err := s.file.WriteAt(buf, offset); err != nil {
		return 0, fmt.Errorf("segment: write %s at %d: %w", s.id, offset, err)
	}
	s.size += int64(len(buf))
	s.count++
	s.lastWriteMs = createdMs
	return offset, nil
}

// readAt decodes the record at offset, returning its timestamp, envelope
// bytes and the offset of the next record.
func (s *segment) readAt(offset int64) (int64, []byte, int64, error) {
	var lenBuf [4]byte
	if _, err := s.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, offset, errEndOfSegment
		}
		return 0, nil, offset, fmt.Errorf("segment: read len at %d: %w", offset, err)
	}
	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen < 12 {
		return 0, nil, offset, fmt.Errorf("segment: record length %d at %d: %w", totalLen, offset, errCorrupted)
	}

	buf := make([]byte, totalLen)
	if _, err := s.file.ReadAt(buf, offset+4); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, offset, fmt.Errorf("segment: short record at %d: %w", offset, errCorrupted)
		}
		return 0, nil, offset, fmt.Errorf("segment: read record at %d: %w", offset, err)
	}

	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if computed := crc32.ChecksumIEEE(buf[:len(buf)-4]); stored != computed {
		return 0, nil, offset, fmt.Errorf("segment: checksum mismatch at %d (stored=%x computed=%x): %w",
			offset, stored, computed, errCorrupted)
	}

	ts := int64(binary.BigEndian.Uint64(buf[:8]))
	return ts, buf[8 : len(buf)-4], offset + 4 + int64(totalLen), nil
}

// unread returns the number of records the cursor has not yet passed.
func (s *segment) unread() int { return s.count - s.consumed }

// countBefore returns how many records start before offset.
func (s *segment) countBefore(offset int64) (int, error) {
	var pos int64
	n := 0
	for pos < offset {
		_, _, next, err := s.readAt(pos)
		if err != nil {
			return n, err
		}
		pos = next
		n++
	}
	return n, nil
}

func (s *segment) sync() error { return s.file.Sync() }

func (s *segment) close() error {
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("segment: sync %s: %w", s.id, err)
	}
	return s.file.Close()
}

// remove closes and deletes the segment file.
func (s *segment) remove() error {
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("segment: remove %s: %w", s.path, err)
	}
	return nil
}
