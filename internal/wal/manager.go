package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fsmdb/internal/common"
)

// RecoveryReport summarizes what happened while replaying the log at
// startup.
type RecoveryReport struct {
	EntriesReplayed int
	Corruptions     int
	Truncated       bool
}

// Manager is the single-writer WAL: segment rotation, fsync policy,
// sequence allocation, and offset-addressed iteration.
type Manager struct {
	mu       sync.RWMutex
	dataDir  string
	segSize  int64 // bytes, rotation threshold
	sync     SyncPolicy
	segments []*Segment // ordered by id ascending
	current  *Segment
	nextSeq  uint64
	closed   bool

	sinceSync int // appends since last fsync, for SyncEveryN

	stats    Stats
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates the WAL directory if needed, loads any existing
// segments, performs crash recovery by replaying every record through
// replayFn in order, and leaves the manager positioned to append.
func NewManager(cfg Config, replayFn func(*Entry) error) (*Manager, *RecoveryReport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("wal: create data dir: %w", err)
	}
	m := &Manager{
		dataDir: cfg.DataDir,
		segSize: cfg.SegmentSizeMB * 1024 * 1024,
		sync:    cfg.Sync,
		nextSeq: 1,
	}
	if err := m.loadSegments(); err != nil {
		return nil, nil, err
	}
	report, err := m.recover(replayFn)
	if err != nil {
		return nil, nil, err
	}
	if len(m.segments) == 0 {
		if err := m.createNewSegment(1); err != nil {
			return nil, nil, err
		}
	}
	m.current = m.segments[len(m.segments)-1]
	m.nextSeq = m.current.MaxSequence() + 1
	if m.nextSeq == 1 {
		// no entries anywhere yet
		m.nextSeq = 1
	}

	if ms, ok := cfg.Sync.(SyncEveryMs); ok {
		m.stopSync = make(chan struct{})
		m.wg.Add(1)
		go m.periodicSync(ms.D)
	}
	return m, report, nil
}

func (m *Manager) periodicSync(d time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if !m.closed && m.current != nil {
				if err := m.current.Sync(); err == nil {
					atomic.AddUint64(&m.stats.Fsyncs, 1)
				}
			}
			m.mu.Unlock()
		case <-m.stopSync:
			return
		}
	}
}

// recover enumerates segments in order and replays every valid record;
// the newest segment's tail is truncated on the first corrupt or short
// record encountered there (earlier segments report a hard error, since
// only the tail of the live log is expected to ever be incomplete).
func (m *Manager) recover(replayFn func(*Entry) error) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	for i, seg := range m.segments {
		isLast := i == len(m.segments)-1
		reader, err := seg.NewReader(0)
		if err != nil {
			return nil, err
		}
		for {
			entry, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err == ErrCorruptRecord || err == ErrShortRecord {
				report.Corruptions++
				if isLast {
					log.Printf("[wal] truncating segment %d at offset %d: %v", seg.ID(), reader.Pos(), err)
					if terr := seg.Truncate(reader.Pos()); terr != nil {
						reader.Close()
						return nil, terr
					}
					report.Truncated = true
					break
				}
				reader.Close()
				return nil, fmt.Errorf("wal: corrupt record in non-tail segment %d: %w", seg.ID(), err)
			}
			if err != nil {
				reader.Close()
				return nil, err
			}
			if replayFn != nil {
				if err := replayFn(entry); err != nil {
					reader.Close()
					return nil, fmt.Errorf("wal: replay handler failed at seq %d: %w", entry.Sequence, err)
				}
			}
			report.EntriesReplayed++
			atomic.AddUint64(&m.stats.EntryCount, 1)
			if entry.Sequence >= m.nextSeq {
				m.nextSeq = entry.Sequence + 1
			}
		}
		reader.Close()
	}
	return report, nil
}

// Append serializes payload with a fresh sequence number, writes it to
// the current segment (rotating first if it would overflow), applies
// the fsync policy, and returns the pre-write global offset.
func (m *Manager) Append(entryType EntryType, payload interface{}) (common.GlobalOffset, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("wal: manager closed")
	}
	estimated := int64(RecordHeaderLen + len(data))
	if m.current.Size()+estimated > m.segSize {
		if err := m.rotate(); err != nil {
			return 0, err
		}
	}
	seq := m.nextSeq
	m.nextSeq++
	within, err := m.current.Append(entryType, seq, data)
	if err != nil {
		return 0, err
	}
	offset := common.NewGlobalOffset(m.current.ID(), within)
	atomic.AddUint64(&m.stats.Writes, 1)
	atomic.AddUint64(&m.stats.BytesWritten, uint64(estimated))
	atomic.AddUint64(&m.stats.EntryCount, 1)

	if err := m.applySyncPolicy(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (m *Manager) applySyncPolicy() error {
	switch p := m.sync.(type) {
	case SyncEveryWrite:
		if err := m.current.Sync(); err != nil {
			return err
		}
		atomic.AddUint64(&m.stats.Fsyncs, 1)
	case SyncEveryN:
		m.sinceSync++
		if m.sinceSync >= p.N {
			if err := m.current.Sync(); err != nil {
				return err
			}
			atomic.AddUint64(&m.stats.Fsyncs, 1)
			m.sinceSync = 0
		}
	case SyncEveryMs:
		// background goroutine handles periodic fsync; write returns early.
	case SyncNever:
		// never fsync
	}
	return nil
}

// rotate closes the current segment for writing (but not for readers,
// which hold independent file handles) and opens the next one.
func (m *Manager) rotate() error {
	nextID := m.current.ID() + 1
	if err := m.current.Sync(); err != nil {
		return err
	}
	if err := m.createNewSegment(nextID); err != nil {
		return err
	}
	m.current = m.segments[len(m.segments)-1]
	m.sinceSync = 0
	return nil
}

func (m *Manager) createNewSegment(id common.SegmentID) error {
	path := filepath.Join(m.dataDir, segmentFileName(id))
	seg, err := CreateSegment(id, path)
	if err != nil {
		return err
	}
	m.segments = append(m.segments, seg)
	return nil
}

// ReadFrom opens a cross-segment reader starting at the given global
// offset.
func (m *Manager) ReadFrom(offset common.GlobalOffset) (*Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("wal: manager closed")
	}
	segs := make([]*Segment, len(m.segments))
	copy(segs, m.segments)
	return newReader(segs, offset)
}

// Replay reads every record from fromOffset to the current head and
// invokes handler in order.
func (m *Manager) Replay(fromOffset common.GlobalOffset, handler func(*Entry) error) error {
	reader, err := m.ReadFrom(fromOffset)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		atomic.AddUint64(&m.stats.Reads, 1)
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// HeadOffset returns the offset the next Append would write at.
func (m *Manager) HeadOffset() common.GlobalOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return common.NewGlobalOffset(m.current.ID(), uint64(m.current.Size()))
}

// SegmentPathsBelow returns the on-disk paths of every non-current
// segment that DeleteSegmentsBelow would remove for safeOffset,
// without removing them. Used by the archiver to upload a segment
// before compaction deletes it.
func (m *Manager) SegmentPathsBelow(safeOffset common.GlobalOffset) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for _, seg := range m.segments {
		highest := common.NewGlobalOffset(seg.ID(), uint64(seg.Size()))
		if seg != m.current && highest < safeOffset {
			paths = append(paths, seg.Path())
		}
	}
	return paths
}

// DeleteSegmentsBelow removes every whole segment whose highest offset is
// strictly less than safeOffset. The current (actively written) segment
// is never removed. Returns the number of segments deleted and bytes
// reclaimed.
func (m *Manager) DeleteSegmentsBelow(safeOffset common.GlobalOffset) (deleted int, bytesReclaimed int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, fmt.Errorf("wal: manager closed")
	}
	var kept []*Segment
	for _, seg := range m.segments {
		highest := common.NewGlobalOffset(seg.ID(), uint64(seg.Size()))
		if seg != m.current && highest < safeOffset {
			size := seg.Size()
			if err := seg.Close(); err != nil {
				return deleted, bytesReclaimed, err
			}
			if err := os.Remove(seg.Path()); err != nil {
				return deleted, bytesReclaimed, err
			}
			deleted++
			bytesReclaimed += size
			continue
		}
		kept = append(kept, seg)
	}
	m.segments = kept
	return deleted, bytesReclaimed, nil
}

// Close stops background sync and closes every segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.stopSync != nil {
		close(m.stopSync)
	}
	segs := m.segments
	m.mu.Unlock()

	m.wg.Wait()
	for _, seg := range segs {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of cumulative WAL statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		EntryCount:     atomic.LoadUint64(&m.stats.EntryCount),
		SegmentCount:   len(m.segments),
		BytesWritten:   atomic.LoadUint64(&m.stats.BytesWritten),
		BytesRead:      atomic.LoadUint64(&m.stats.BytesRead),
		Writes:         atomic.LoadUint64(&m.stats.Writes),
		Reads:          atomic.LoadUint64(&m.stats.Reads),
		Fsyncs:         atomic.LoadUint64(&m.stats.Fsyncs),
		Corruptions:    atomic.LoadUint64(&m.stats.Corruptions),
	}
	var total int64
	for _, seg := range m.segments {
		total += seg.Size()
	}
	s.TotalSizeBytes = total
	if m.current != nil {
		s.LatestOffset = uint64(common.NewGlobalOffset(m.current.ID(), uint64(m.current.Size())))
	}
	return s
}

func (m *Manager) loadSegments() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return fmt.Errorf("wal: read data dir: %w", err)
	}
	var ids []common.SegmentID
	byID := map[common.SegmentID]string{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wal" {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".wal")
		n, err := strconv.ParseUint(stem, 10, 32)
		if err != nil {
			continue
		}
		id := common.SegmentID(n)
		ids = append(ids, id)
		byID[id] = filepath.Join(m.dataDir, e.Name())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		seg, err := OpenSegment(id, byID[id])
		if err != nil {
			return fmt.Errorf("wal: open segment %d: %w", id, err)
		}
		m.segments = append(m.segments, seg)
	}
	return nil
}
