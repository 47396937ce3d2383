package fsm

import (
	"encoding/json"
	"fmt"

	"fsmdb/internal/common"
	"fsmdb/internal/fsmerr"
	"fsmdb/internal/guard"
	"fsmdb/internal/snapshot"
	"fsmdb/internal/wal"

	"github.com/google/uuid"
)

// Broadcaster is implemented by internal/broadcast; the engine
// publishes every successfully-applied event through it and never
// blocks on delivery.
type Broadcaster interface {
	Publish(evt BroadcastEvent)
}

// BroadcastEvent is the payload handed to Broadcaster.Publish after a
// transition commits.
type BroadcastEvent struct {
	InstanceID string
	Machine    string
	Version    int
	EventName  string
	FromState  string
	ToState    string
	Payload    map[string]interface{}
	CtxAfter   map[string]interface{}
	WALOffset  uint64
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(BroadcastEvent) {}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	WAL                 wal.Config
	DataDir             string
	MaxMachineVersions  int
	IdempotencyCacheCap int
	Broadcaster         Broadcaster
}

// Engine ties together the machine registry, instance store, WAL, and
// snapshot store into the operations the wire protocol exposes.
type Engine struct {
	wal         *wal.Manager
	snapshots   *snapshot.Store
	registry    *Registry
	instances   *InstanceStore
	idem        *IdempotencyCache
	broadcaster Broadcaster
}

// NewEngine opens the snapshot store, seeds in-memory state from the
// latest snapshots, then replays the WAL tail on top of that baseline.
func NewEngine(cfg EngineConfig) (*Engine, *wal.RecoveryReport, error) {
	snaps, err := snapshot.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("fsm: open snapshot store: %w", err)
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	e := &Engine{
		snapshots:   snaps,
		registry:    NewRegistry(cfg.MaxMachineVersions),
		instances:   NewInstanceStore(),
		idem:        NewIdempotencyCache(cfg.IdempotencyCacheCap, 0),
		broadcaster: broadcaster,
	}

	snapIndex := snaps.All()
	for instanceID, entry := range snapIndex {
		img, err := snaps.Get(entry.SnapshotID)
		if err != nil {
			return nil, nil, fmt.Errorf("fsm: load snapshot for %s: %w", instanceID, err)
		}
		e.instances.restore(Instance{
			ID:        img.InstanceID,
			Machine:   img.Machine,
			Version:   img.Version,
			State:     img.State,
			Ctx:       img.Ctx,
			Deleted:   img.Deleted,
			WALOffset: entry.WALOffset,
		})
	}

	m, report, err := wal.NewManager(cfg.WAL, func(entry *wal.Entry) error {
		return e.replay(entry, snapIndex)
	})
	if err != nil {
		return nil, nil, err
	}
	e.wal = m
	return e, report, nil
}

// replay applies one WAL record during startup recovery. Records for an
// instance already captured by a later-or-equal snapshot are skipped,
// since the snapshot already reflects them.
func (e *Engine) replay(entry *wal.Entry, snapIndex map[string]snapshot.IndexEntry) error {
	switch entry.Type {
	case wal.EntryPutMachine:
		var p wal.PutMachinePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return e.registry.LoadReplay(p.Name, p.Version, p.Definition, p.Checksum)

	case wal.EntryCreateInstance:
		var p wal.CreateInstancePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		if snapCovers(snapIndex, p.ID, entry.Offset) {
			return nil
		}
		e.instances.restore(Instance{
			ID: p.ID, Machine: p.Machine, Version: p.Version,
			State: p.InitialState, Ctx: p.InitialCtx,
			WALOffset: uint64(entry.Offset),
		})
		return nil

	case wal.EntryApplyEvent:
		var p wal.ApplyEventPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		if snapCovers(snapIndex, p.InstanceID, entry.Offset) {
			return nil
		}
		return e.instances.withLock(p.InstanceID, func(en *instanceEntry) error {
			en.inst.State = p.ToState
			en.inst.Ctx = p.CtxAfter
			en.inst.WALOffset = uint64(entry.Offset)
			return nil
		})

	case wal.EntryDeleteInstance:
		var p wal.DeleteInstancePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		if snapCovers(snapIndex, p.InstanceID, entry.Offset) {
			return nil
		}
		return e.instances.Delete(p.InstanceID)

	case wal.EntrySnapshotMarker, wal.EntryCheckpoint:
		return nil

	default:
		return fmt.Errorf("fsm: unknown WAL entry type %d during replay", entry.Type)
	}
}

func snapCovers(snapIndex map[string]snapshot.IndexEntry, instanceID string, offset common.GlobalOffset) bool {
	entry, ok := snapIndex[instanceID]
	return ok && entry.WALOffset >= uint64(offset)
}

// PutMachine registers or re-registers a machine definition.
func (e *Engine) PutMachine(name string, version int, raw json.RawMessage) (*StoredDefinition, error) {
	sd, created, err := e.registry.Put(name, version, raw)
	if err != nil {
		return nil, err
	}
	if created {
		if _, err := e.wal.Append(wal.EntryPutMachine, wal.PutMachinePayload{
			Name: name, Version: version, Definition: raw, Checksum: sd.Checksum,
		}); err != nil {
			return nil, fsmerr.Wrap(fsmerr.WALIOError, "append PutMachine", err)
		}
	}
	return sd, nil
}

func (e *Engine) GetMachine(name string, version int) (*StoredDefinition, error) {
	sd, ok := e.registry.Get(name, version)
	if !ok {
		return nil, fsmerr.Newf(fsmerr.MachineNotFound, "machine %s version %d not found", name, version)
	}
	return sd, nil
}

func (e *Engine) ListMachines(name string) []*StoredDefinition {
	return e.registry.List(name)
}

// CreateInstanceRequest is the input to CreateInstance.
type CreateInstanceRequest struct {
	ID         string
	Machine    string
	Version    int
	InitialCtx map[string]interface{}
}

// CreateInstance starts a new instance at its machine's initial state.
func (e *Engine) CreateInstance(req CreateInstanceRequest) (Instance, error) {
	sd, ok := e.registry.Get(req.Machine, req.Version)
	if !ok {
		return Instance{}, fsmerr.Newf(fsmerr.MachineNotFound, "machine %s version %d not found", req.Machine, req.Version)
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	ctx := req.InitialCtx
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	offset, err := e.wal.Append(wal.EntryCreateInstance, wal.CreateInstancePayload{
		ID: id, Machine: req.Machine, Version: req.Version,
		InitialState: sd.Definition.InitialState, InitialCtx: ctx,
	})
	if err != nil {
		return Instance{}, fsmerr.Wrap(fsmerr.WALIOError, "append CreateInstance", err)
	}
	now := common.Now()
	inst := Instance{
		ID: id, Machine: req.Machine, Version: req.Version,
		State: sd.Definition.InitialState, Ctx: ctx,
		WALOffset: uint64(offset), CreatedAt: now, UpdatedAt: now,
	}
	if err := e.instances.Create(inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

func (e *Engine) GetInstance(id string) (Instance, error) {
	return e.instances.Get(id)
}

func (e *Engine) ListInstances(machine string) []Instance {
	return e.instances.List(machine)
}

// DeleteInstance marks an instance deleted. Idempotent on an
// already-deleted instance; INSTANCE_NOT_FOUND if it never existed.
func (e *Engine) DeleteInstance(id string) error {
	if !e.instances.Exists(id) {
		return fsmerr.Newf(fsmerr.InstanceNotFound, "instance %s not found", id)
	}
	if _, err := e.wal.Append(wal.EntryDeleteInstance, wal.DeleteInstancePayload{InstanceID: id}); err != nil {
		return fsmerr.Wrap(fsmerr.WALIOError, "append DeleteInstance", err)
	}
	return e.instances.Delete(id)
}

// ApplyEventRequest is the input to ApplyEvent.
type ApplyEventRequest struct {
	InstanceID        string
	Event             string
	Payload           map[string]interface{}
	IdempotencyKey    string
	ExpectedState     string
	ExpectedWALOffset *uint64
}

// ApplyEventResult is what ApplyEvent returns on success.
type ApplyEventResult struct {
	InstanceID string                 `json:"instance_id"`
	FromState  string                 `json:"from_state"`
	ToState    string                 `json:"to_state"`
	Ctx        map[string]interface{} `json:"ctx"`
	WALOffset  uint64                 `json:"wal_offset"`
}

const idemScopeApplyEvent = "apply_event"

// ApplyEvent matches (current_state, event) against the instance's
// machine definition in transition order, takes the first candidate
// whose guard (if any) is truthy against ctx, and on a match appends the
// transition to the WAL before mutating in-memory state and
// broadcasting it.
func (e *Engine) ApplyEvent(req ApplyEventRequest) (ApplyEventResult, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := e.idem.Get(idemScopeApplyEvent, req.IdempotencyKey); ok {
			var result ApplyEventResult
			if err := json.Unmarshal(cached, &result); err != nil {
				return ApplyEventResult{}, fsmerr.Wrap(fsmerr.InternalError, "decode cached response", err)
			}
			return result, nil
		}
	}

	inst, err := e.instances.Get(req.InstanceID)
	if err != nil {
		return ApplyEventResult{}, err
	}
	if req.ExpectedState != "" && req.ExpectedState != inst.State {
		return ApplyEventResult{}, fsmerr.Newf(fsmerr.Conflict,
			"expected_state %q does not match current state %q", req.ExpectedState, inst.State).
			WithDetails(map[string]interface{}{"expected_state": req.ExpectedState, "actual_state": inst.State})
	}
	if req.ExpectedWALOffset != nil && *req.ExpectedWALOffset != inst.WALOffset {
		return ApplyEventResult{}, fsmerr.Newf(fsmerr.Conflict,
			"expected_wal_offset %d does not match current offset %d", *req.ExpectedWALOffset, inst.WALOffset).
			WithDetails(map[string]interface{}{"expected_wal_offset": *req.ExpectedWALOffset, "actual_wal_offset": inst.WALOffset})
	}

	sd, ok := e.registry.Get(inst.Machine, inst.Version)
	if !ok {
		return ApplyEventResult{}, fsmerr.Newf(fsmerr.MachineNotFound, "machine %s version %d not found", inst.Machine, inst.Version)
	}

	var result ApplyEventResult
	err = e.instances.withLock(req.InstanceID, func(en *instanceEntry) error {
		matched, guardFailed, lastGuard, err := matchTransition(sd.Definition, en.inst.State, req.Event, en.inst.Ctx)
		if err != nil {
			return err
		}
		if matched == nil {
			if guardFailed {
				return fsmerr.Newf(fsmerr.GuardFailed, "no transition's guard passed for %s on %s", req.Event, en.inst.State).
					WithDetails(map[string]interface{}{"guard": lastGuard, "context": en.inst.Ctx})
			}
			return fsmerr.Newf(fsmerr.InvalidTransition, "no transition for event %s from state %s", req.Event, en.inst.State)
		}

		fromState := en.inst.State
		ctxAfter := shallowMerge(en.inst.Ctx, req.Payload)
		offset, err := e.wal.Append(wal.EntryApplyEvent, wal.ApplyEventPayload{
			InstanceID: req.InstanceID, Event: req.Event, Payload: req.Payload,
			FromState: fromState, ToState: matched.To, CtxAfter: ctxAfter,
		})
		if err != nil {
			return fsmerr.Wrap(fsmerr.WALIOError, "append ApplyEvent", err)
		}

		en.inst.State = matched.To
		en.inst.Ctx = ctxAfter
		en.inst.WALOffset = uint64(offset)
		en.inst.UpdatedAt = common.Now()

		result = ApplyEventResult{
			InstanceID: req.InstanceID, FromState: fromState, ToState: matched.To,
			Ctx: ctxAfter, WALOffset: uint64(offset),
		}

		e.broadcaster.Publish(BroadcastEvent{
			InstanceID: req.InstanceID, Machine: inst.Machine, Version: inst.Version,
			EventName: req.Event, FromState: fromState, ToState: matched.To,
			Payload: req.Payload, CtxAfter: ctxAfter, WALOffset: uint64(offset),
		})
		return nil
	})
	if err != nil {
		return ApplyEventResult{}, err
	}

	if req.IdempotencyKey != "" {
		if raw, err := json.Marshal(result); err == nil {
			e.idem.Put(idemScopeApplyEvent, req.IdempotencyKey, raw)
		}
	}
	return result, nil
}

// matchTransition finds the first transition for (state, event). It
// returns guardFailed=true when at least one candidate matched the
// (state, event) pair but every guard on it evaluated falsy, which the
// caller reports as GUARD_FAILED rather than INVALID_TRANSITION;
// lastGuard is the guard expression of the last candidate tried, for
// the GUARD_FAILED error's details.
func matchTransition(def Definition, state, event string, ctx map[string]interface{}) (matched *Transition, guardFailed bool, lastGuard string, err error) {
	anyCandidate := false
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if !t.From.Contains(state) || t.Event != event {
			continue
		}
		anyCandidate = true
		if t.Guard == "" {
			return t, false, "", nil
		}
		lastGuard = t.Guard
		ok, err := guard.Eval(t.Guard, ctx)
		if err != nil {
			return nil, false, "", fsmerr.Wrap(fsmerr.InternalError, "evaluate guard", err)
		}
		if ok {
			return t, false, "", nil
		}
	}
	return nil, anyCandidate, lastGuard, nil
}

func shallowMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Snapshot captures instanceID's current state at its present WAL
// offset, writes it to the snapshot store, and appends the
// corresponding marker record.
func (e *Engine) Snapshot(instanceID string) (snapshot.IndexEntry, error) {
	inst, err := e.instances.Get(instanceID)
	if err != nil {
		return snapshot.IndexEntry{}, err
	}
	img := snapshot.Image{
		InstanceID: inst.ID, Machine: inst.Machine, Version: inst.Version,
		State: inst.State, Ctx: inst.Ctx, Deleted: inst.Deleted,
	}
	entry, err := e.snapshots.Put(img, common.GlobalOffset(inst.WALOffset))
	if err != nil {
		return snapshot.IndexEntry{}, fsmerr.Wrap(fsmerr.InternalError, "write snapshot", err)
	}
	if _, err := e.wal.Append(wal.EntrySnapshotMarker, wal.SnapshotMarkerPayload{
		InstanceID: instanceID, SnapshotID: entry.SnapshotID, WALOffset: entry.WALOffset,
	}); err != nil {
		return snapshot.IndexEntry{}, fsmerr.Wrap(fsmerr.WALIOError, "append SnapshotMarker", err)
	}
	return entry, nil
}

// WALManager exposes the underlying WAL manager for WAL_READ/WAL_STATS
// and compaction.
func (e *Engine) WALManager() *wal.Manager { return e.wal }

// Instances exposes the instance store for compaction's dirty-instance scan.
func (e *Engine) Instances() *InstanceStore { return e.instances }

// Snapshots exposes the snapshot store for compaction.
func (e *Engine) Snapshots() *snapshot.Store { return e.snapshots }

// Close shuts down the underlying WAL manager.
func (e *Engine) Close() error {
	return e.wal.Close()
}
