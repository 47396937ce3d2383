// Package broadcast implements per-instance and global event
// subscriptions (C9): bounded outboxes, drop-on-full semantics, and
// replay-from-offset ordering.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"

	"fsmdb/internal/common"
	"fsmdb/internal/fsm"
	"fsmdb/internal/wal"
)

// Filter narrows a global subscription. Empty slices match everything
// in that category; non-empty categories combine with AND, while
// values within one category combine with OR.
type Filter struct {
	Machines   []string
	Events     []string
	FromStates []string
	ToStates   []string
}

func (f Filter) matches(evt fsm.BroadcastEvent) bool {
	if len(f.Machines) > 0 && !common.Contains(f.Machines, evt.Machine) {
		return false
	}
	return f.matchesTransition(evt.EventName, evt.FromState, evt.ToState)
}

// matchesTransition checks the event-name/from-state/to-state legs of
// the filter, shared between live Publish and WAL replay (replay
// entries don't carry the machine name, so Machines is checked only
// for live events).
func (f Filter) matchesTransition(event, fromState, toState string) bool {
	if len(f.Events) > 0 && !common.Contains(f.Events, event) {
		return false
	}
	if len(f.FromStates) > 0 && !common.Contains(f.FromStates, fromState) {
		return false
	}
	if len(f.ToStates) > 0 && !common.Contains(f.ToStates, toState) {
		return false
	}
	return true
}

// Message is what a subscription's outbox delivers: either a
// live/replayed transition event.
type Message struct {
	SubscriptionID string
	InstanceID     string
	Machine        string
	Version        int
	EventName      string
	FromState      string
	ToState        string
	Payload        map[string]interface{}
	Ctx            map[string]interface{}
	WALOffset      uint64
}

// outboxCapacity bounds how many undelivered messages a subscription
// holds before new ones are dropped (only that subscription is
// affected; the rest of the system is unaffected by one slow reader).
const outboxCapacity = 256

type subscription struct {
	id         string
	instanceID string // empty for a global subscription
	filter     Filter
	outbox     chan Message
	closed     chan struct{}
	closeOnce  sync.Once
}

func (s *subscription) deliver(m Message) {
	select {
	case s.outbox <- m:
	default:
		log.Printf("[broadcast] outbox full for subscription %s, dropping event at offset %d", s.id, m.WALOffset)
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Hub fans applied events out to every matching subscription. It
// implements fsm.Broadcaster.
type Hub struct {
	mu            sync.RWMutex
	perInstance   map[string]map[string]*subscription // instanceID -> subID -> sub
	global        map[string]*subscription
	walManager    *wal.Manager
}

func NewHub(walManager *wal.Manager) *Hub {
	return &Hub{
		perInstance: map[string]map[string]*subscription{},
		global:      map[string]*subscription{},
		walManager:  walManager,
	}
}

// Publish implements fsm.Broadcaster. It never blocks: a full outbox
// drops the event for that subscriber only.
func (h *Hub) Publish(evt fsm.BroadcastEvent) {
	m := Message{
		InstanceID: evt.InstanceID, Machine: evt.Machine, Version: evt.Version,
		EventName: evt.EventName, FromState: evt.FromState, ToState: evt.ToState,
		Payload: evt.Payload, Ctx: evt.CtxAfter, WALOffset: evt.WALOffset,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.perInstance[evt.InstanceID] {
		msg := m
		msg.SubscriptionID = sub.id
		sub.deliver(msg)
	}
	for _, sub := range h.global {
		if !sub.filter.matches(evt) {
			continue
		}
		msg := m
		msg.SubscriptionID = sub.id
		sub.deliver(msg)
	}
}

// Subscription is the handle a session holds: Messages to read from,
// Unwatch to tear down.
type Subscription struct {
	ID       string
	Messages <-chan Message
	hub      *Hub
	sub      *subscription
}

// Unwatch removes the subscription and stops further delivery.
func (s *Subscription) Unwatch() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.sub.instanceID != "" {
		delete(s.hub.perInstance[s.sub.instanceID], s.sub.id)
	} else {
		delete(s.hub.global, s.sub.id)
	}
	s.sub.close()
}

// WatchInstance subscribes to one instance's events. If fromOffset is
// non-nil, every persisted event from that offset onward is replayed
// through the outbox (in order, before any live event) before the
// subscription starts receiving live deliveries.
func (h *Hub) WatchInstance(id, instanceID string, fromOffset *common.GlobalOffset) (*Subscription, error) {
	sub := &subscription{id: id, instanceID: instanceID, outbox: make(chan Message, outboxCapacity), closed: make(chan struct{})}

	h.mu.Lock()
	if h.perInstance[instanceID] == nil {
		h.perInstance[instanceID] = map[string]*subscription{}
	}
	h.perInstance[instanceID][id] = sub
	h.mu.Unlock()

	if fromOffset != nil {
		if err := h.replayInstance(sub, instanceID, *fromOffset); err != nil {
			return nil, err
		}
	}
	return &Subscription{ID: id, Messages: sub.outbox, hub: h, sub: sub}, nil
}

// WatchAll subscribes to every instance's events matching filter.
func (h *Hub) WatchAll(id string, filter Filter, fromOffset *common.GlobalOffset) (*Subscription, error) {
	sub := &subscription{id: id, filter: filter, outbox: make(chan Message, outboxCapacity), closed: make(chan struct{})}

	h.mu.Lock()
	h.global[id] = sub
	h.mu.Unlock()

	if fromOffset != nil {
		if err := h.replayAll(sub, filter, *fromOffset); err != nil {
			return nil, err
		}
	}
	return &Subscription{ID: id, Messages: sub.outbox, hub: h, sub: sub}, nil
}

func (h *Hub) replayInstance(sub *subscription, instanceID string, fromOffset common.GlobalOffset) error {
	return h.walManager.Replay(fromOffset, func(entry *wal.Entry) error {
		if entry.Type != wal.EntryApplyEvent {
			return nil
		}
		var p wal.ApplyEventPayload
		if err := decodeApplyEvent(entry, &p); err != nil {
			return err
		}
		if p.InstanceID != instanceID {
			return nil
		}
		sub.deliver(Message{
			SubscriptionID: sub.id, InstanceID: p.InstanceID, EventName: p.Event,
			FromState: p.FromState, ToState: p.ToState, Payload: p.Payload, Ctx: p.CtxAfter,
			WALOffset: uint64(entry.Offset),
		})
		return nil
	})
}

func (h *Hub) replayAll(sub *subscription, filter Filter, fromOffset common.GlobalOffset) error {
	return h.walManager.Replay(fromOffset, func(entry *wal.Entry) error {
		if entry.Type != wal.EntryApplyEvent {
			return nil
		}
		var p wal.ApplyEventPayload
		if err := decodeApplyEvent(entry, &p); err != nil {
			return err
		}
		if !filter.matchesTransition(p.Event, p.FromState, p.ToState) {
			return nil
		}
		sub.deliver(Message{
			SubscriptionID: sub.id, InstanceID: p.InstanceID, EventName: p.Event,
			FromState: p.FromState, ToState: p.ToState, Payload: p.Payload, Ctx: p.CtxAfter,
			WALOffset: uint64(entry.Offset),
		})
		return nil
	})
}

func decodeApplyEvent(entry *wal.Entry, p *wal.ApplyEventPayload) error {
	return json.Unmarshal(entry.Payload, p)
}
