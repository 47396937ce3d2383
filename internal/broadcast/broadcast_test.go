package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmdb/internal/fsm"
	"fsmdb/internal/wal"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	m, _, err := wal.NewManager(wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return NewHub(m)
}

func recvWithTimeout(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHub_WatchInstanceReceivesLiveEvent(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchInstance("sub1", "inst1", nil)
	require.NoError(t, err)
	defer sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "inst1", EventName: "PAY", FromState: "created", ToState: "paid"})

	msg := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "PAY", msg.EventName)
	assert.Equal(t, "sub1", msg.SubscriptionID)
}

func TestHub_WatchInstanceIgnoresOtherInstances(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchInstance("sub1", "inst1", nil)
	require.NoError(t, err)
	defer sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "inst2", EventName: "PAY"})

	select {
	case <-sub.Messages:
		t.Fatal("should not have received an event for a different instance")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_WatchAllFiltersByMachine(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchAll("subg", Filter{Machines: []string{"order"}}, nil)
	require.NoError(t, err)
	defer sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "i1", Machine: "shipment", EventName: "X"})
	h.Publish(fsm.BroadcastEvent{InstanceID: "i2", Machine: "order", EventName: "PAY"})

	msg := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "PAY", msg.EventName)
}

func TestHub_UnwatchStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchInstance("sub1", "inst1", nil)
	require.NoError(t, err)
	sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "inst1", EventName: "PAY"})

	select {
	case <-sub.Messages:
		t.Fatal("unwatched subscription should not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_WatchAllFiltersByToState(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchAll("subg", Filter{ToStates: []string{"shipped"}}, nil)
	require.NoError(t, err)
	defer sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "i1", EventName: "PAY", FromState: "created", ToState: "paid"})
	h.Publish(fsm.BroadcastEvent{InstanceID: "i1", EventName: "SHIP", FromState: "paid", ToState: "shipped"})

	msg := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "SHIP", msg.EventName)

	select {
	case m := <-sub.Messages:
		t.Fatalf("unexpected second message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_WatchAllFiltersByFromState(t *testing.T) {
	h := newTestHub(t)
	sub, err := h.WatchAll("subg", Filter{FromStates: []string{"paid"}}, nil)
	require.NoError(t, err)
	defer sub.Unwatch()

	h.Publish(fsm.BroadcastEvent{InstanceID: "i1", EventName: "PAY", FromState: "created", ToState: "paid"})
	h.Publish(fsm.BroadcastEvent{InstanceID: "i1", EventName: "SHIP", FromState: "paid", ToState: "shipped"})

	msg := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "SHIP", msg.EventName)
}

func TestHub_ReplayAllAppliesFilter(t *testing.T) {
	m, _, err := wal.NewManager(wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}}, nil)
	require.NoError(t, err)
	defer m.Close()
	h := NewHub(m)

	off, err := m.Append(wal.EntryApplyEvent, wal.ApplyEventPayload{InstanceID: "inst1", Event: "PAY", FromState: "created", ToState: "paid"})
	require.NoError(t, err)
	_, err = m.Append(wal.EntryApplyEvent, wal.ApplyEventPayload{InstanceID: "inst1", Event: "SHIP", FromState: "paid", ToState: "shipped"})
	require.NoError(t, err)

	sub, err := h.WatchAll("subg", Filter{ToStates: []string{"shipped"}}, &off)
	require.NoError(t, err)
	defer sub.Unwatch()

	historical := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "SHIP", historical.EventName)
}

func TestHub_ReplayFromOffsetDeliversHistoryBeforeLive(t *testing.T) {
	m, _, err := wal.NewManager(wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}}, nil)
	require.NoError(t, err)
	defer m.Close()
	h := NewHub(m)

	off, err := m.Append(wal.EntryApplyEvent, wal.ApplyEventPayload{InstanceID: "inst1", Event: "PAY", FromState: "created", ToState: "paid"})
	require.NoError(t, err)

	sub, err := h.WatchInstance("sub1", "inst1", &off)
	require.NoError(t, err)
	defer sub.Unwatch()

	historical := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "PAY", historical.EventName)

	h.Publish(fsm.BroadcastEvent{InstanceID: "inst1", EventName: "SHIP", FromState: "paid", ToState: "shipped"})
	live := recvWithTimeout(t, sub.Messages)
	assert.Equal(t, "SHIP", live.EventName)
}
