// Package server wires the fsm engine, broadcast hub, and compactor
// to the session layer's Handler interface: one method per protocol
// op, grounded on the teacher's internal/services handler shape (a
// thin struct whose methods validate params, call a domain service,
// and map its result/error back onto the transport).
package server

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"fsmdb/internal/auth"
	"fsmdb/internal/broadcast"
	"fsmdb/internal/common"
	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
	"fsmdb/internal/fsmerr"
	"fsmdb/internal/protocol"
	"fsmdb/internal/session"
)

// Handler implements session.Handler over the engine/hub/compactor triad.
type Handler struct {
	Engine       *fsm.Engine
	Hub          *broadcast.Hub
	Compactor    *compaction.Compactor
	Auth         *auth.BearerValidator
	AuthRequired bool
	Version      int
}

var _ session.Handler = (*Handler)(nil)

// Handle dispatches req to the method for its op. HELLO/AUTH mutate
// session state directly since they are part of the handshake.
func (h *Handler) Handle(ctx context.Context, sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	switch req.Op {
	case protocol.OpHello:
		return h.handleHello(sess, req)
	case protocol.OpAuth:
		return h.handleAuth(sess, req)
	case protocol.OpPing:
		return protocol.OKResponse(req.ID, map[string]string{"pong": "ok"})
	case protocol.OpBye:
		sess.RequestClose()
		return protocol.OKResponse(req.ID, map[string]bool{"ok": true})
	case protocol.OpInfo:
		return protocol.OKResponse(req.ID, map[string]interface{}{
			"version": h.Version, "auth_required": h.AuthRequired,
		})

	case protocol.OpPutMachine:
		return h.handlePutMachine(req)
	case protocol.OpGetMachine:
		return h.handleGetMachine(req)
	case protocol.OpListMachines:
		return h.handleListMachines(req)

	case protocol.OpCreateInstance:
		return h.handleCreateInstance(req)
	case protocol.OpGetInstance:
		return h.handleGetInstance(req)
	case protocol.OpListInstances:
		return h.handleListInstances(req)
	case protocol.OpDeleteInstance:
		return h.handleDeleteInstance(req)

	case protocol.OpApplyEvent:
		return h.handleApplyEvent(req)
	case protocol.OpBatch:
		return h.handleBatch(req)

	case protocol.OpWatchInstance:
		return h.handleWatchInstance(sess, req)
	case protocol.OpWatchAll:
		return h.handleWatchAll(sess, req)
	case protocol.OpUnwatch:
		return h.handleUnwatch(sess, req)

	case protocol.OpSnapshotInstance:
		return h.handleSnapshotInstance(req)
	case protocol.OpWALRead:
		return h.handleWALRead(req)
	case protocol.OpWALStats:
		return protocol.OKResponse(req.ID, h.Engine.WALManager().Stats())
	case protocol.OpCompact:
		return h.handleCompact(req)

	default:
		return nil, fsmerr.Newf(fsmerr.BadRequest, "unknown op %q", req.Op)
	}
}

func decodeParams(req *protocol.Request, v interface{}) error {
	if len(req.Params) == 0 {
		return fsmerr.New(fsmerr.BadRequest, "missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fsmerr.Wrap(fsmerr.BadRequest, "invalid params", err)
	}
	return nil
}

func (h *Handler) handleHello(sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Version   int      `json:"version"`
		WireModes []string `json:"wire_modes"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fsmerr.Wrap(fsmerr.BadRequest, "invalid hello params", err)
		}
	}
	if p.Version != 0 && p.Version != h.Version {
		return nil, fsmerr.Newf(fsmerr.UnsupportedProtocol, "unsupported protocol version %d", p.Version)
	}
	mode := protocol.NegotiateWireMode(p.WireModes)
	sess.SetWireMode(mode)
	sess.SetState(session.StateReady)
	if !h.AuthRequired {
		sess.SetAuthenticated(true)
	}
	return protocol.OKResponse(req.ID, map[string]interface{}{
		"version": h.Version, "wire_mode": mode, "auth_required": h.AuthRequired,
	})
}

func (h *Handler) handleAuth(sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Method string `json:"method"`
		Token  string `json:"token"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Method != "bearer" {
		return nil, fsmerr.Newf(fsmerr.BadRequest, "unsupported auth method %q", p.Method)
	}
	if h.Auth == nil || !h.Auth.Validate(p.Token) {
		return nil, fsmerr.New(fsmerr.AuthFailed, "invalid bearer token")
	}
	sess.SetAuthenticated(true)
	sess.SetState(session.StateAuthenticated)
	return protocol.OKResponse(req.ID, map[string]bool{"ok": true})
}

func (h *Handler) handlePutMachine(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Name       string          `json:"name"`
		Version    int             `json:"version"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sd, err := h.Engine.PutMachine(p.Name, p.Version, p.Definition)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, sd)
}

func (h *Handler) handleGetMachine(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sd, err := h.Engine.GetMachine(p.Name, p.Version)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, sd)
}

func (h *Handler) handleListMachines(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Name string `json:"name"`
	}
	_ = decodeParams(req, &p) // name filter is optional; ignore missing params
	return protocol.OKResponse(req.ID, h.Engine.ListMachines(p.Name))
}

func (h *Handler) handleCreateInstance(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		ID         string                 `json:"id"`
		Machine    string                 `json:"machine"`
		Version    int                    `json:"version"`
		InitialCtx map[string]interface{} `json:"initial_ctx"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	inst, err := h.Engine.CreateInstance(fsm.CreateInstanceRequest{
		ID: p.ID, Machine: p.Machine, Version: p.Version, InitialCtx: p.InitialCtx,
	})
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, inst)
}

func (h *Handler) handleGetInstance(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	inst, err := h.Engine.GetInstance(p.ID)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, inst)
}

func (h *Handler) handleListInstances(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Machine string `json:"machine"`
	}
	_ = decodeParams(req, &p)
	return protocol.OKResponse(req.ID, h.Engine.ListInstances(p.Machine))
}

func (h *Handler) handleDeleteInstance(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := h.Engine.DeleteInstance(p.ID); err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, map[string]bool{"ok": true})
}

func (h *Handler) handleApplyEvent(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		InstanceID        string                 `json:"instance_id"`
		Event             string                 `json:"event"`
		Payload           map[string]interface{} `json:"payload"`
		IdempotencyKey    string                 `json:"idempotency_key"`
		ExpectedState     string                 `json:"expected_state"`
		ExpectedWALOffset *uint64                `json:"expected_wal_offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := h.Engine.ApplyEvent(fsm.ApplyEventRequest{
		InstanceID: p.InstanceID, Event: p.Event, Payload: p.Payload,
		IdempotencyKey: p.IdempotencyKey, ExpectedState: p.ExpectedState,
		ExpectedWALOffset: p.ExpectedWALOffset,
	})
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, result)
}

// batchOpWire is the wire shape of one BATCH op; exactly one of the
// three fields should be set, mirroring fsm.BatchOp.
type batchOpWire struct {
	CreateInstance *struct {
		ID         string                 `json:"id"`
		Machine    string                 `json:"machine"`
		Version    int                    `json:"version"`
		InitialCtx map[string]interface{} `json:"initial_ctx"`
	} `json:"create_instance,omitempty"`
	ApplyEvent *struct {
		InstanceID     string                 `json:"instance_id"`
		Event          string                 `json:"event"`
		Payload        map[string]interface{} `json:"payload"`
		IdempotencyKey string                 `json:"idempotency_key"`
	} `json:"apply_event,omitempty"`
	DeleteInstance *string `json:"delete_instance,omitempty"`
}

func (h *Handler) handleBatch(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Mode string        `json:"mode"`
		Ops  []batchOpWire `json:"ops"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	mode := fsm.BatchMode(p.Mode)
	if mode != fsm.BatchAtomic && mode != fsm.BatchBestEffort {
		return nil, fsmerr.Newf(fsmerr.BadRequest, "unknown batch mode %q", p.Mode)
	}
	ops := make([]fsm.BatchOp, len(p.Ops))
	for i, w := range p.Ops {
		switch {
		case w.CreateInstance != nil:
			ops[i] = fsm.BatchOp{CreateInstance: &fsm.CreateInstanceRequest{
				ID: w.CreateInstance.ID, Machine: w.CreateInstance.Machine,
				Version: w.CreateInstance.Version, InitialCtx: w.CreateInstance.InitialCtx,
			}}
		case w.ApplyEvent != nil:
			ops[i] = fsm.BatchOp{ApplyEvent: &fsm.ApplyEventRequest{
				InstanceID: w.ApplyEvent.InstanceID, Event: w.ApplyEvent.Event,
				Payload: w.ApplyEvent.Payload, IdempotencyKey: w.ApplyEvent.IdempotencyKey,
			}}
		case w.DeleteInstance != nil:
			ops[i] = fsm.BatchOp{DeleteInstance: w.DeleteInstance}
		default:
			return nil, fsmerr.Newf(fsmerr.BadRequest, "batch op %d has no operation set", i)
		}
	}
	result, err := h.Engine.Batch(mode, ops)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, result)
}

func (h *Handler) handleSnapshotInstance(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		InstanceID string `json:"instance_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entry, err := h.Engine.Snapshot(p.InstanceID)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(req.ID, entry)
}

func (h *Handler) handleWALRead(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		FromOffset uint64 `json:"from_offset"`
		Limit      int    `json:"limit"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 1000
	}
	reader, err := h.Engine.WALManager().ReadFrom(commonOffset(p.FromOffset))
	if err != nil {
		return nil, fsmerr.Wrap(fsmerr.WALIOError, "wal_read", err)
	}
	defer reader.Close()

	entries := make([]json.RawMessage, 0, p.Limit)
	for len(entries) < p.Limit {
		entry, err := reader.Next()
		if err != nil {
			break
		}
		raw, _ := json.Marshal(entry)
		entries = append(entries, raw)
	}
	return protocol.OKResponse(req.ID, map[string]interface{}{"entries": entries})
}

func (h *Handler) handleCompact(req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		ForceSnapshot bool `json:"force_snapshot"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fsmerr.Wrap(fsmerr.BadRequest, "invalid params", err)
		}
	}
	report, err := h.Compactor.TriggerManual(p.ForceSnapshot)
	if err != nil {
		return nil, fsmerr.Wrap(fsmerr.InternalError, "compact", err)
	}
	return protocol.OKResponse(req.ID, report)
}

func (h *Handler) handleWatchInstance(sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		InstanceID string  `json:"instance_id"`
		FromOffset *uint64 `json:"from_offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	subID := uuid.New().String()
	fromOffset := globalOffsetPtr(p.FromOffset)
	sub, err := h.Hub.WatchInstance(subID, p.InstanceID, fromOffset)
	if err != nil {
		return nil, err
	}
	h.pumpSubscription(sess, sub)
	return protocol.OKResponse(req.ID, map[string]string{"subscription_id": subID})
}

func (h *Handler) handleWatchAll(sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		Machines   []string `json:"machines"`
		Events     []string `json:"events"`
		FromStates []string `json:"from_states"`
		ToStates   []string `json:"to_states"`
		FromOffset *uint64  `json:"from_offset"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	subID := uuid.New().String()
	filter := broadcast.Filter{Machines: p.Machines, Events: p.Events, FromStates: p.FromStates, ToStates: p.ToStates}
	fromOffset := globalOffsetPtr(p.FromOffset)
	sub, err := h.Hub.WatchAll(subID, filter, fromOffset)
	if err != nil {
		return nil, err
	}
	h.pumpSubscription(sess, sub)
	return protocol.OKResponse(req.ID, map[string]string{"subscription_id": subID})
}

func (h *Handler) handleUnwatch(sess *session.Session, req *protocol.Request) (*protocol.Response, error) {
	var p struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	ok := sess.Unwatch(p.SubscriptionID)
	return protocol.OKResponse(req.ID, map[string]bool{"ok": ok})
}

func commonOffset(offset uint64) common.GlobalOffset {
	return common.GlobalOffset(offset)
}

func globalOffsetPtr(offset *uint64) *common.GlobalOffset {
	if offset == nil {
		return nil
	}
	g := common.GlobalOffset(*offset)
	return &g
}

// pumpSubscription tracks sub on sess and spawns the goroutine that
// turns delivered broadcast.Message values into pushed protocol.Event
// frames for the lifetime of the subscription.
func (h *Handler) pumpSubscription(sess *session.Session, sub *broadcast.Subscription) {
	sess.TrackSubscription(sub.ID, sub)
	go func() {
		for msg := range sub.Messages {
			sess.SendEvent(&protocol.Event{
				Type:           protocol.TypeEvent,
				SubscriptionID: msg.SubscriptionID,
				InstanceID:     msg.InstanceID,
				Machine:        msg.Machine,
				Version:        msg.Version,
				EventName:      msg.EventName,
				FromState:      msg.FromState,
				ToState:        msg.ToState,
				Payload:        msg.Payload,
				Ctx:            msg.Ctx,
				WALOffset:      msg.WALOffset,
			})
		}
	}()
}
