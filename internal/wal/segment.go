package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"fsmdb/internal/common"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// crcTable computes the CRC32C (Castagnoli) checksum of data.
func crcTable(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ErrCorruptRecord is returned when a record's magic/CRC fails to validate.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// ErrShortRecord is returned when fewer bytes remain than a full record
// requires — the signature of a write that was interrupted mid-append.
var ErrShortRecord = errors.New("wal: short record at tail")

// Segment is a single WAL segment file: a sequence of 24-byte-header
// records, append-only, identified by a zero-padded numeric id.
type Segment struct {
	mu       sync.RWMutex
	id       common.SegmentID
	path     string
	file     *os.File
	writer   *bufio.Writer
	size     int64
	minSeq   uint64
	maxSeq   uint64
	closed   bool
}

// CreateSegment creates a new, empty segment file. It uses O_EXCL so two
// callers can never race into the same segment id.
func CreateSegment(id common.SegmentID, path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	return &Segment{id: id, path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

// OpenSegment opens an existing segment for append, scanning it to learn
// its current size and sequence range.
func OpenSegment(id common.SegmentID, path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	seg := &Segment{id: id, path: path, file: file}
	if err := seg.scan(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(seg.size, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	seg.writer = bufio.NewWriter(file)
	return seg, nil
}

// ID returns the segment's numeric id.
func (s *Segment) ID() common.SegmentID { return s.id }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

func encodeRecord(buf []byte, entryType EntryType, seq uint64, payload []byte) []byte {
	buf = buf[:0]
	header := make([]byte, RecordHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], RecordMagic)
	header[4] = byte(entryType)
	header[5] = 0 // flags, reserved for future use
	header[6] = 0
	header[7] = 0
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[12:16], crcTable(payload))
	binary.BigEndian.PutUint64(header[16:24], seq)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf
}

// Append writes one record and returns the pre-write offset within this
// segment (the global offset's low bits).
func (s *Segment) Append(entryType EntryType, seq uint64, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("wal: segment closed")
	}
	preWrite := s.size
	record := encodeRecord(nil, entryType, seq, payload)
	if _, err := s.writer.Write(record); err != nil {
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	s.size += int64(len(record))
	if s.minSeq == 0 || seq < s.minSeq {
		s.minSeq = seq
	}
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	return uint64(preWrite), nil
}

// Sync flushes buffered writes and fsyncs the underlying file.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return s.file.Sync()
}

// Close flushes and closes the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	return s.file.Close()
}

// Size returns the segment's current byte length.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Truncate cuts the segment file (and the in-memory writer state) back to
// the given length, discarding a corrupted tail record found during
// recovery.
func (s *Segment) Truncate(length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(length); err != nil {
		return err
	}
	s.size = length
	if _, err := s.file.Seek(length, io.SeekStart); err != nil {
		return err
	}
	if s.writer != nil {
		s.writer.Reset(s.file)
	}
	return nil
}

// NewReader opens an independent file handle for reading starting at the
// given in-segment byte offset.
func (s *Segment) NewReader(fromOffset uint64) (*SegmentReader, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment for read: %w", err)
	}
	if fromOffset > 0 {
		if _, err := file.Seek(int64(fromOffset), io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return &SegmentReader{segmentID: s.id, file: file, reader: bufio.NewReader(file), pos: int64(fromOffset)}, nil
}

// SegmentReader scans records sequentially from a segment file.
type SegmentReader struct {
	segmentID common.SegmentID
	file      *os.File
	reader    *bufio.Reader
	pos       int64
}

// Close releases the reader's file handle.
func (sr *SegmentReader) Close() error { return sr.file.Close() }

// Pos returns the reader's current in-segment byte offset (the offset the
// next record, if any, would begin at).
func (sr *SegmentReader) Pos() int64 { return sr.pos }

// Next reads the next record. Returns io.EOF cleanly at a well-formed end
// of file. Returns ErrShortRecord when fewer bytes remain than a full
// record requires (the tail-of-log truncation case). Returns
// ErrCorruptRecord when magic or CRC fails to validate.
func (sr *SegmentReader) Next() (*Entry, error) {
	startPos := sr.pos
	header := make([]byte, RecordHeaderLen)
	n, err := io.ReadFull(sr.reader, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, ErrShortRecord
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != RecordMagic {
		return nil, ErrCorruptRecord
	}
	entryType := EntryType(header[4])
	payloadLen := binary.BigEndian.Uint32(header[8:12])
	crc := binary.BigEndian.Uint32(header[12:16])
	seq := binary.BigEndian.Uint64(header[16:24])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(sr.reader, payload); err != nil {
			return nil, ErrShortRecord
		}
	}
	if crcTable(payload) != crc {
		return nil, ErrCorruptRecord
	}
	sr.pos = startPos + int64(RecordHeaderLen) + int64(payloadLen)
	return &Entry{
		Type:     entryType,
		Sequence: seq,
		Offset:   common.NewGlobalOffset(sr.segmentID, uint64(startPos)),
		Payload:  append(json.RawMessage(nil), payload...),
	}, nil
}

// scan walks the whole segment once at open time, recording size and
// sequence range without validating CRCs (that happens on demand at read
// time and, exhaustively, during recovery).
func (s *Segment) scan() error {
	stat, err := s.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		return nil
	}
	reader, err := s.NewReader(0)
	if err != nil {
		return err
	}
	defer reader.Close()
	var minSeq, maxSeq uint64
	var lastGood int64
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// tolerate a corrupt/short tail at open time; Manager.recover
			// performs the authoritative truncation pass.
			break
		}
		if minSeq == 0 || entry.Sequence < minSeq {
			minSeq = entry.Sequence
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
		lastGood = reader.Pos()
	}
	s.minSeq = minSeq
	s.maxSeq = maxSeq
	s.size = lastGood
	return nil
}

// MinSequence returns the lowest sequence number observed in this segment.
func (s *Segment) MinSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSeq
}

// MaxSequence returns the highest sequence number observed in this segment.
func (s *Segment) MaxSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq
}
