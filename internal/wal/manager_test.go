package wal

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmdb/internal/common"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := Config{
		DataDir:       t.TempDir(),
		SegmentSizeMB: 1,
		Sync:          SyncEveryWrite{},
	}
	m, report, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, report)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_NewManagerCreatesInitialSegment(t *testing.T) {
	m := newTestManager(t)
	assert.DirExists(t, m.dataDir)
	stats := m.Stats()
	assert.Equal(t, 1, stats.SegmentCount)
	assert.Equal(t, uint64(0), stats.EntryCount)
}

func TestManager_AppendAssignsIncreasingOffsets(t *testing.T) {
	m := newTestManager(t)

	off1, err := m.Append(EntryCreateInstance, CreateInstancePayload{ID: "i1", Machine: "order", Version: 1, InitialState: "created"})
	require.NoError(t, err)
	off2, err := m.Append(EntryApplyEvent, ApplyEventPayload{InstanceID: "i1", Event: "PAY", FromState: "created", ToState: "paid"})
	require.NoError(t, err)

	assert.True(t, off2 > off1, "offsets must be strictly increasing")

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.EntryCount)
	assert.Equal(t, uint64(2), stats.Writes)
}

func TestManager_AppendThenReadFromReturnsSameEntry(t *testing.T) {
	m := newTestManager(t)

	offset, err := m.Append(EntryApplyEvent, ApplyEventPayload{InstanceID: "i1", Event: "PAY", FromState: "created", ToState: "paid"})
	require.NoError(t, err)

	reader, err := m.ReadFrom(offset)
	require.NoError(t, err)
	defer reader.Close()

	entry, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, EntryApplyEvent, entry.Type)
	assert.Equal(t, offset, entry.Offset)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestManager_RecoveryReplaysEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir, SegmentSizeMB: 1, Sync: SyncEveryWrite{}}

	m1, _, err := NewManager(cfg, nil)
	require.NoError(t, err)
	_, err = m1.Append(EntryCreateInstance, CreateInstancePayload{ID: "i1", Machine: "order", Version: 1, InitialState: "created"})
	require.NoError(t, err)
	_, err = m1.Append(EntryApplyEvent, ApplyEventPayload{InstanceID: "i1", Event: "PAY", FromState: "created", ToState: "paid"})
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	var replayed []EntryType
	m2, report, err := NewManager(cfg, func(e *Entry) error {
		replayed = append(replayed, e.Type)
		return nil
	})
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, 2, report.EntriesReplayed)
	assert.False(t, report.Truncated)
	require.Len(t, replayed, 2)
	assert.Equal(t, EntryCreateInstance, replayed[0])
	assert.Equal(t, EntryApplyEvent, replayed[1])
}

func TestManager_SegmentRotation(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), SegmentSizeMB: 0, Sync: SyncEveryWrite{}}
	// SegmentSizeMB*1MB == 0 forces rotation before every append, the first included.
	m, _, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Append(EntryApplyEvent, ApplyEventPayload{InstanceID: "i1", Event: "A"})
	require.NoError(t, err)
	_, err = m.Append(EntryApplyEvent, ApplyEventPayload{InstanceID: "i1", Event: "B"})
	require.NoError(t, err)

	stats := m.Stats()
	assert.GreaterOrEqual(t, stats.SegmentCount, 2)
}

func TestManager_GlobalOffsetEncoding(t *testing.T) {
	off := common.NewGlobalOffset(common.SegmentID(3), 512)
	assert.Equal(t, common.SegmentID(3), off.SegmentID())
	assert.Equal(t, uint64(512), off.WithinSegment())
}
