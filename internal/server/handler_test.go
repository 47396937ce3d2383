package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmdb/internal/auth"
	"fsmdb/internal/broadcast"
	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
	"fsmdb/internal/protocol"
	"fsmdb/internal/session"
	"fsmdb/internal/wal"
)

// noopConn is a net.Conn that discards writes, enough to exercise the
// handler without a real socket.
type noopConn struct{}

func (noopConn) Read(b []byte) (int, error)      { return 0, nil }
func (noopConn) Write(b []byte) (int, error)     { return len(b), nil }
func (noopConn) Close() error                    { return nil }
func (noopConn) LocalAddr() net.Addr             { return nil }
func (noopConn) RemoteAddr() net.Addr            { return nil }
func (noopConn) SetDeadline(time.Time) error      { return nil }
func (noopConn) SetReadDeadline(time.Time) error  { return nil }
func (noopConn) SetWriteDeadline(time.Time) error { return nil }

const orderMachineJSON = `{
	"initial_state": "created",
	"states": ["created", "paid", "shipped"],
	"transitions": [
		{"from": "created", "event": "PAY", "to": "paid"},
		{"from": "paid", "event": "SHIP", "to": "shipped"}
	]
}`

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	e, _, err := fsm.NewEngine(fsm.EngineConfig{
		WAL:     wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}},
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	hub := broadcast.NewHub(e.WALManager())
	c := compaction.New(e, compaction.Config{}, nil)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return &Handler{Engine: e, Hub: hub, Compactor: c, Version: 1}
}

func call(t *testing.T, h *Handler, sess *session.Session, op protocol.Op, params interface{}) *protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), sess, &protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", Op: op, Params: raw,
	})
	require.NoError(t, err)
	return resp
}

func newReadySession(h *Handler) *session.Session {
	sess := session.New(noopConn{}, h, session.Limits{})
	sess.SetState(session.StateReady)
	sess.SetAuthenticated(true)
	return sess
}

func TestHandler_PutGetListMachine(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	resp := call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	require.Equal(t, protocol.StatusOK, resp.Status)

	resp = call(t, h, sess, protocol.OpGetMachine, map[string]interface{}{"name": "order", "version": 1})
	assert.Equal(t, protocol.StatusOK, resp.Status)

	resp = call(t, h, sess, protocol.OpListMachines, map[string]interface{}{"name": "order"})
	assert.Equal(t, protocol.StatusOK, resp.Status)
	var list []*fsm.StoredDefinition
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.Len(t, list, 1)
}

func TestHandler_CreateInstanceApplyEventSequence(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	resp := call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "order-1", "machine": "order", "version": 1,
	})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var inst fsm.Instance
	require.NoError(t, json.Unmarshal(resp.Result, &inst))
	assert.Equal(t, "created", inst.State)

	resp = call(t, h, sess, protocol.OpApplyEvent, map[string]interface{}{
		"instance_id": "order-1", "event": "PAY", "payload": map[string]interface{}{"amt": 5},
	})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var applied fsm.ApplyEventResult
	require.NoError(t, json.Unmarshal(resp.Result, &applied))
	assert.Equal(t, "created", applied.FromState)
	assert.Equal(t, "paid", applied.ToState)

	resp = call(t, h, sess, protocol.OpApplyEvent, map[string]interface{}{
		"instance_id": "order-1", "event": "SHIP",
	})
	require.Equal(t, protocol.StatusOK, resp.Status)

	resp = call(t, h, sess, protocol.OpGetInstance, map[string]interface{}{"id": "order-1"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	require.NoError(t, json.Unmarshal(resp.Result, &inst))
	assert.Equal(t, "shipped", inst.State)
}

func TestHandler_ApplyEventInvalidTransitionReturnsError(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "order-2", "machine": "order", "version": 1,
	})

	raw, _ := json.Marshal(map[string]interface{}{"instance_id": "order-2", "event": "SHIP"})
	resp, err := h.Handle(context.Background(), sess, &protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", Op: protocol.OpApplyEvent, Params: raw,
	})
	require.Nil(t, resp)
	require.Error(t, err)
}

func TestHandler_DeleteAndGetInstanceNotFound(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "order-3", "machine": "order", "version": 1,
	})
	resp := call(t, h, sess, protocol.OpDeleteInstance, map[string]interface{}{"id": "order-3"})
	require.Equal(t, protocol.StatusOK, resp.Status)

	raw, _ := json.Marshal(map[string]interface{}{"id": "order-3"})
	_, err := h.Handle(context.Background(), sess, &protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", Op: protocol.OpGetInstance, Params: raw,
	})
	require.Error(t, err)
}

func TestHandler_DeleteInstanceIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "order-4", "machine": "order", "version": 1,
	})

	first := call(t, h, sess, protocol.OpDeleteInstance, map[string]interface{}{"id": "order-4"})
	require.Equal(t, protocol.StatusOK, first.Status)

	second := call(t, h, sess, protocol.OpDeleteInstance, map[string]interface{}{"id": "order-4"})
	require.Equal(t, protocol.StatusOK, second.Status)
}

func TestHandler_BatchBestEffortRecordsEachOutcome(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})

	resp := call(t, h, sess, protocol.OpBatch, map[string]interface{}{
		"mode": "best_effort",
		"ops": []map[string]interface{}{
			{"create_instance": map[string]interface{}{"id": "b1", "machine": "order", "version": 1}},
			{"apply_event": map[string]interface{}{"instance_id": "b1", "event": "PAY"}},
			{"apply_event": map[string]interface{}{"instance_id": "missing", "event": "PAY"}},
		},
	})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var result fsm.BatchResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Results, 3)
	assert.True(t, result.Results[0].OK)
	assert.True(t, result.Results[1].OK)
	assert.False(t, result.Results[2].OK)
	assert.False(t, result.Partial)
}

func TestHandler_WatchInstanceThenUnwatch(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "w1", "machine": "order", "version": 1,
	})

	resp := call(t, h, sess, protocol.OpWatchInstance, map[string]interface{}{"instance_id": "w1"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var watchResult map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &watchResult))
	require.NotEmpty(t, watchResult["subscription_id"])

	resp = call(t, h, sess, protocol.OpUnwatch, map[string]interface{}{"subscription_id": watchResult["subscription_id"]})
	require.Equal(t, protocol.StatusOK, resp.Status)
}

func TestHandler_AuthRequiredRejectsBadToken(t *testing.T) {
	h := newTestHandler(t)
	validator, err := auth.NewBearerValidator([]string{auth.HashToken("good-token")})
	require.NoError(t, err)
	h.Auth = validator
	h.AuthRequired = true

	sess := session.New(noopConn{}, h, session.Limits{})
	sess.SetState(session.StateReady)

	raw, _ := json.Marshal(map[string]interface{}{"method": "bearer", "token": "bad-token"})
	_, err = h.Handle(context.Background(), sess, &protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", Op: protocol.OpAuth, Params: raw,
	})
	require.Error(t, err)
	assert.False(t, sess.IsAuthenticated())

	raw, _ = json.Marshal(map[string]interface{}{"method": "bearer", "token": "good-token"})
	resp, err := h.Handle(context.Background(), sess, &protocol.Request{
		Type: protocol.TypeRequest, ID: "r2", Op: protocol.OpAuth, Params: raw,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.True(t, sess.IsAuthenticated())
}

func TestHandler_WALStatsAndCompact(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})

	resp := call(t, h, sess, protocol.OpWALStats, nil)
	require.Equal(t, protocol.StatusOK, resp.Status)

	resp = call(t, h, sess, protocol.OpCompact, nil)
	require.Equal(t, protocol.StatusOK, resp.Status)
}

func TestHandler_CompactForceSnapshotReSnapshotsCleanInstance(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "order-5", "machine": "order", "version": 1,
	})

	first := call(t, h, sess, protocol.OpCompact, nil)
	require.Equal(t, protocol.StatusOK, first.Status)
	var firstReport compaction.RunReport
	require.NoError(t, json.Unmarshal(first.Result, &firstReport))
	assert.Equal(t, 1, firstReport.SnapshotsCreated)

	second := call(t, h, sess, protocol.OpCompact, nil)
	require.Equal(t, protocol.StatusOK, second.Status)
	var secondReport compaction.RunReport
	require.NoError(t, json.Unmarshal(second.Result, &secondReport))
	assert.Equal(t, 0, secondReport.SnapshotsCreated)

	forced := call(t, h, sess, protocol.OpCompact, map[string]interface{}{"force_snapshot": true})
	require.Equal(t, protocol.StatusOK, forced.Status)
	var forcedReport compaction.RunReport
	require.NoError(t, json.Unmarshal(forced.Result, &forcedReport))
	assert.Equal(t, 1, forcedReport.SnapshotsCreated)
}

func TestHandler_WatchAllAcceptsFromAndToStateFilters(t *testing.T) {
	h := newTestHandler(t)
	sess := newReadySession(h)

	call(t, h, sess, protocol.OpPutMachine, map[string]interface{}{
		"name": "order", "version": 1, "definition": json.RawMessage(orderMachineJSON),
	})
	call(t, h, sess, protocol.OpCreateInstance, map[string]interface{}{
		"id": "w2", "machine": "order", "version": 1,
	})

	resp := call(t, h, sess, protocol.OpWatchAll, map[string]interface{}{
		"from_states": []string{"paid"},
		"to_states":   []string{"shipped"},
	})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var watchResult map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &watchResult))
	require.NotEmpty(t, watchResult["subscription_id"])

	resp = call(t, h, sess, protocol.OpApplyEvent, map[string]interface{}{"instance_id": "w2", "event": "PAY"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	resp = call(t, h, sess, protocol.OpApplyEvent, map[string]interface{}{"instance_id": "w2", "event": "SHIP"})
	require.Equal(t, protocol.StatusOK, resp.Status)
}
