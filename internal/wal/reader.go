package wal

import (
	"fmt"
	"io"

	"fsmdb/internal/common"
	"fsmdb/internal/fsmerr"
)

// Reader iterates WAL records across segment boundaries in global-offset
// order, starting from an arbitrary offset.
type Reader struct {
	segments []*Segment
	idx      int
	cur      *SegmentReader
}

// newReader builds a Reader positioned at offset. If offset's segment id
// is not present (e.g. it was already compacted away, or points past the
// current head), the first call to Next returns io.EOF.
func newReader(segs []*Segment, offset common.GlobalOffset) (*Reader, error) {
	wantID := offset.SegmentID()
	idx := -1
	for i, seg := range segs {
		if seg.ID() == wantID {
			idx = i
			break
		}
	}
	r := &Reader{segments: segs}
	if idx == -1 {
		r.idx = len(segs)
		return r, nil
	}
	reader, err := segs[idx].NewReader(offset.WithinSegment())
	if err != nil {
		return nil, err
	}
	r.idx = idx
	r.cur = reader
	return r, nil
}

// Next returns the next entry in global-offset order, or io.EOF once the
// current head is reached.
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.segments) {
				return nil, io.EOF
			}
			reader, err := r.segments[r.idx].NewReader(0)
			if err != nil {
				return nil, err
			}
			r.cur = reader
		}
		entry, err := r.cur.Next()
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			r.idx++
			continue
		}
		if err == ErrCorruptRecord || err == ErrShortRecord {
			r.cur.Close()
			r.cur = nil
			return nil, fsmerr.Wrap(fsmerr.WALIOError, "wal read encountered a corrupt record", fmt.Errorf("%w", err))
		}
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
}

// Close releases the reader's open file handle, if any.
func (r *Reader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}
