package common

import (
	"fmt"
	"time"
)

// InstanceID identifies a live FSM instance, client-supplied or server-generated UUIDv4.
type InstanceID string

// MachineKey identifies a registered machine definition by (name, version).
type MachineKey struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// String returns a string representation of MachineKey.
func (m MachineKey) String() string {
	return fmt.Sprintf("%s:v%d", m.Name, m.Version)
}

// Location represents a physical location of data on disk.
type Location struct {
	FilePath string `json:"file_path"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
}

// Timestamp represents a point in time.
type Timestamp time.Time

// Now returns the current timestamp.
func Now() Timestamp {
	return Timestamp(time.Now())
}

// Unix returns the Unix timestamp.
func (t Timestamp) Unix() int64 {
	return time.Time(t).Unix()
}

// String returns a string representation of the timestamp.
func (t Timestamp) String() string {
	return time.Time(t).Format(time.RFC3339)
}

// MarshalJSON renders the timestamp as RFC3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses an RFC3339 timestamp.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// SegmentID is a WAL segment identifier, also its zero-padded file name.
type SegmentID uint32

// GlobalOffset encodes (segment_id << 40) | offset_within_segment.
type GlobalOffset uint64

const offsetBits = 40
const offsetMask = (uint64(1) << offsetBits) - 1

// NewGlobalOffset packs a segment id and an in-segment byte offset.
func NewGlobalOffset(segmentID SegmentID, withinSegment uint64) GlobalOffset {
	return GlobalOffset((uint64(segmentID) << offsetBits) | (withinSegment & offsetMask))
}

// SegmentID unpacks the segment id component.
func (g GlobalOffset) SegmentID() SegmentID {
	return SegmentID(uint64(g) >> offsetBits)
}

// WithinSegment unpacks the in-segment byte offset component.
func (g GlobalOffset) WithinSegment() uint64 {
	return uint64(g) & offsetMask
}

// Constants for system limits.
const (
	MaxMachineNameLength = 128
	MaxInstanceIDLength  = 256
	MaxRequestIDLength   = 256
	MaxBatchOps          = 100
	DefaultTimeout       = 30 * time.Second
)
