// Package connregistry is the Connection Registry of spec §4.C: it
// tracks which identity (rider or driver) is reachable on which
// bidirectional channel, and linearises outbound sends per channel
// through a bounded queue (spec §9 "queued send") so backpressure can
// close a channel deterministically instead of blocking a handler.
package connregistry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Handle is the opaque connection handle of spec §3. At most one live
// handle exists per identity; re-attachment replaces the prior one
// (last-wins), matching the teacher's WSRegistry.Add.
type Handle struct {
	ID       string
	conn     *websocket.Conn
	out      chan outboundFrame
	done     chan struct{}
	closeOne sync.Once
}

type outboundFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// QueueDepth bounds the per-channel outbound queue (spec §5
// "backpressure: if notification egress queues for a channel exceed a
// threshold, the channel is closed").
const QueueDepth = 64

// Registry maps identity -> Handle.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Handle
	logger  *slog.Logger
	onClose func(identity string)
}

// New builds a Registry. onClose, if non-nil, is invoked when a
// channel is closed due to backpressure or disconnect, after the
// handle has already been removed from the registry.
func New(logger *slog.Logger, onClose func(identity string)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byID: make(map[string]*Handle), logger: logger, onClose: onClose}
}

// Attach registers conn as identity's current channel, releasing any
// prior handle for the same identity.
func (r *Registry) Attach(identity, handleID string, conn *websocket.Conn) *Handle {
	h := &Handle{ID: handleID, conn: conn, out: make(chan outboundFrame, QueueDepth), done: make(chan struct{})}

	r.mu.Lock()
	prev := r.byID[identity]
	r.byID[identity] = h
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	go r.drain(identity, h)
	return h
}

// Conn exposes the underlying connection so an ingress adapter can run
// its own read loop; Registry only owns the write side.
func (h *Handle) Conn() *websocket.Conn { return h.conn }

// HandleFor returns the current handle for identity, or (nil, false)
// if there is none.
func (r *Registry) HandleFor(identity string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[identity]
	return h, ok
}

// Emit enqueues event/payload for delivery to handle. Delivery is
// best-effort fire-and-forget (spec §4.C): a full queue triggers the
// channel's closure rather than blocking the caller.
func (r *Registry) Emit(h *Handle, event string, payload interface{}) {
	if h == nil {
		return
	}
	select {
	case h.out <- outboundFrame{Event: event, Data: payload}:
	default:
		r.logger.Warn("outbound queue full, closing channel", "handle", h.ID, "event", event)
		h.close()
		if h.conn != nil {
			// Closing the connection ends the owner's read loop, which
			// then detaches the handle like any other disconnect.
			_ = h.conn.Close()
		}
	}
}

// EmitTo is a convenience that looks identity up and emits if it has a
// live handle; it is a no-op otherwise (spec §8 scenario 6: a dispatch
// between disconnect and reconnect is simply skipped).
func (r *Registry) EmitTo(identity, event string, payload interface{}) bool {
	h, ok := r.HandleFor(identity)
	if !ok {
		return false
	}
	r.Emit(h, event, payload)
	return true
}

// Detach drops identity's handle if it is still h (avoids removing a
// newer handle installed by a subsequent Attach).
func (r *Registry) Detach(identity string, h *Handle) {
	r.mu.Lock()
	if cur, ok := r.byID[identity]; ok && cur == h {
		delete(r.byID, identity)
	}
	r.mu.Unlock()
	h.close()
	if r.onClose != nil {
		r.onClose(identity)
	}
}

// close is idempotent: Emit's backpressure path and Detach's
// disconnect path can both reach it concurrently for the same handle.
func (h *Handle) close() {
	h.closeOne.Do(func() { close(h.done) })
}

// drain is the per-channel worker that serialises writes, so two
// concurrent Emit calls against the same handle never interleave
// frames on the wire (spec §5: one in-flight event per channel).
func (r *Registry) drain(identity string, h *Handle) {
	for {
		select {
		case <-h.done:
			return
		case frame := <-h.out:
			b, err := json.Marshal(frame)
			if err != nil {
				r.logger.Error("failed to marshal outbound frame", "error", err)
				continue
			}
			if err := h.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				r.logger.Warn("websocket write failed, closing channel", "identity", identity, "error", err)
				r.Detach(identity, h)
				return
			}
		}
	}
}
