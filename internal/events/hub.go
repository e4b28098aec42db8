package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// subscriber is one registered channel. A nil types set means the
// subscriber wants everything.
type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

func (s *subscriber) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Hub fans events out to subscribers. Delivery never blocks: a
// subscriber that stops draining its channel loses events rather than
// stalling the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs []*subscriber

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Publish delivers e to every interested subscriber. A zero Timestamp
// is stamped with the current time.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishAsync publishes from a fresh goroutine, for callers that must
// not take the hub lock on their own stack.
func (h *Hub) PublishAsync(e Event) {
	go h.Publish(e)
}

// Subscribe registers a channel for the given event types, or for all
// events when none are named. The caller must drain the channel; a full
// channel drops events.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &subscriber{ch: make(chan Event, bufSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub.ch
}

// Unsubscribe detaches a channel returned by Subscribe. The channel is
// left open so in-flight sends cannot panic.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.subs[:0]
	for _, sub := range h.subs {
		if sub.ch != ch {
			kept = append(kept, sub)
		}
	}
	h.subs = kept
}

// Stats reports lifetime publish and drop counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// EmitCheckpoint publishes a checkpoint lifecycle event.
func (h *Hub) EmitCheckpoint(t EventType, id uint64, tag, planID, state string, expiresAt time.Time) {
	h.Publish(Event{
		Type:   t,
		Source: "checkpoint",
		Data: CheckpointData{
			ID:        id,
			Tag:       tag,
			PlanID:    planID,
			State:     state,
			ExpiresAt: expiresAt,
		},
	})
}

// EmitPlan publishes a plan execution event.
func (h *Hub) EmitPlan(t EventType, planID string, ops int, interfaces []string, errMsg string) {
	h.Publish(Event{
		Type:   t,
		Source: "engine",
		Data: PlanData{
			PlanID:     planID,
			Ops:        ops,
			Interfaces: interfaces,
			Error:      errMsg,
		},
	})
}

// EmitOperation publishes a per-operation event.
func (h *Hub) EmitOperation(t EventType, planID string, seq int, kind, iface, target, errMsg string) {
	h.Publish(Event{
		Type:   t,
		Source: "engine",
		Data: OperationData{
			PlanID: planID,
			Seq:    seq,
			Kind:   kind,
			Iface:  iface,
			Target: target,
			Error:  errMsg,
		},
	})
}

// EmitPluginRegistered publishes a plugin registration event.
func (h *Hub) EmitPluginRegistered(plugin, sessionID string, pid int, capabilities []string) {
	h.Publish(Event{
		Type:   EventPluginRegistered,
		Source: "plugin",
		Data: PluginData{
			Plugin:       plugin,
			SessionID:    sessionID,
			PID:          pid,
			Capabilities: capabilities,
		},
	})
}

// EmitPluginLost publishes a plugin loss event.
func (h *Hub) EmitPluginLost(plugin, sessionID, reason string) {
	h.Publish(Event{
		Type:   EventPluginLost,
		Source: "plugin",
		Data: PluginData{
			Plugin:    plugin,
			SessionID: sessionID,
			Reason:    reason,
		},
	})
}

// EmitLinkChanged publishes a kernel link change event.
func (h *Hub) EmitLinkChanged(name string, index int, linkType, state, change string) {
	h.Publish(Event{
		Type:   EventLinkChanged,
		Source: "provider",
		Data: LinkData{
			Name:   name,
			Index:  index,
			Type:   linkType,
			State:  state,
			Change: change,
		},
	})
}
