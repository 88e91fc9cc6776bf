// Package bus implements the N:M message bus: every connection gets a
// ClientId, and JSON envelopes are routed as broadcasts, addressed
// requests, responses, or requests answered by the bus itself.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/metrics"
	"github.com/philsphicas/devbus/internal/protocol"
)

var (
	errInvalidMessage = errors.New("invalid message, did not match the protocol")
	errUnknownMethod  = errors.New("unknown method")
	errUnknownTarget  = errors.New("could not find id while forwarding request")
)

type peer struct {
	id   string
	conn *conn.Conn
}

// Router owns the bus registry. It is safe for concurrent use.
type Router struct {
	path    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*peer

	nextID atomic.Int64
}

// NewRouter returns an empty bus served at path.
func NewRouter(path string, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		path:    path,
		logger:  logger.With("path", path),
		metrics: m,
		clients: make(map[string]*peer),
	}
}

// Attach registers c under a fresh ClientId and installs its handlers.
// The id is never reused, even after c disconnects.
func (r *Router) Attach(c *conn.Conn) string {
	id := fmt.Sprintf("client#%d", r.nextID.Add(1)-1)
	p := &peer{id: id, conn: c}

	c.OnMessage(func(typ websocket.MessageType, data []byte) {
		r.handle(p, typ, data)
	})
	c.OnClose(func(code websocket.StatusCode, reason string) {
		r.remove(p)
		r.logger.Debug("bus client closed", "clientId", id, "code", code, "reason", reason)
	})
	c.OnError(func(err error) {
		r.remove(p)
		r.logger.Debug("bus client failed", "clientId", id, "error", err)
	})

	r.mu.Lock()
	r.clients[id] = p
	r.mu.Unlock()

	r.logger.Info("bus client connected", "clientId", id, "remote", c.RemoteAddr())
	return id
}

// Path returns the path the bus is served at.
func (r *Router) Path() string { return r.path }

// ClientIDs returns the ids of all registered connections, sorted.
func (r *Router) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.clients))
}

// Broadcast sends a notification from the hosting process to every
// registered connection.
func (r *Router) Broadcast(method string, params any) error {
	data, err := protocol.NewBroadcast(method, params)
	if err != nil {
		return fmt.Errorf("encode broadcast %q: %w", method, err)
	}
	r.metrics.MessageRouted(r.path, protocol.KindBroadcast.String(), method)
	r.fanOut("", method, data)
	return nil
}

func (r *Router) remove(p *peer) {
	r.mu.Lock()
	if cur, ok := r.clients[p.id]; ok && cur == p {
		delete(r.clients, p.id)
	}
	r.mu.Unlock()
}

func (r *Router) lookup(id string) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

func (r *Router) handle(from *peer, typ websocket.MessageType, data []byte) {
	logger := r.logger.With("clientId", from.id)

	if typ != websocket.MessageText {
		logger.Error("binary messages are not supported")
		r.metrics.MessageError(r.path, metrics.ReasonBinaryFrame)
		return
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, protocol.ErrVersionMismatch) {
			reason = metrics.ReasonVersionMismatch
		}
		logger.Error("discarding message", "error", err)
		r.metrics.MessageError(r.path, reason)
		return
	}

	kind := protocol.Classify(msg)
	switch kind {
	case protocol.KindBroadcast:
		r.metrics.MessageRouted(r.path, kind.String(), msg.Method)
		r.forwardBroadcast(from, msg)
		return
	case protocol.KindResponse:
		r.metrics.MessageRouted(r.path, kind.String(), "")
		r.forwardResponse(msg)
		return
	case protocol.KindServerRequest:
		r.metrics.MessageRouted(r.path, kind.String(), msg.Method)
		err = r.handleServerRequest(from, msg)
	case protocol.KindRequest:
		r.metrics.MessageRouted(r.path, kind.String(), msg.Method)
		err = r.forwardRequest(from, msg)
	default:
		logger.Error("discarding message", "error", errInvalidMessage)
		r.metrics.MessageError(r.path, metrics.ReasonInvalidMessage)
		return
	}
	if err != nil {
		r.reportError(from, msg, err)
	}
}

// reportError answers a failed request with an error response when the
// request carried an id, and only logs it otherwise.
func (r *Router) reportError(from *peer, msg *protocol.Message, err error) {
	r.metrics.MessageError(r.path, errorReason(err))
	r.logger.Error("failed to handle message", "clientId", from.id, "method", msg.Method, "target", msg.Target, "error", err)
	if !protocol.HasValue(msg.ID) {
		return
	}
	data, encErr := protocol.NewError(msg.ID, err.Error())
	if encErr != nil {
		r.logger.Error("failed to encode error response", "clientId", from.id, "error", encErr)
		return
	}
	r.send(from, data)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, errUnknownMethod):
		return metrics.ReasonUnknownMethod
	case errors.Is(err, errUnknownTarget):
		return metrics.ReasonUnknownTarget
	default:
		return metrics.ReasonInvalidMessage
	}
}

func (r *Router) forwardBroadcast(from *peer, msg *protocol.Message) {
	data, err := json.Marshal(protocol.Message{
		Version: protocol.CurrentVersion,
		Method:  msg.Method,
		Params:  msg.Params,
	})
	if err != nil {
		r.logger.Error("failed to encode broadcast", "clientId", from.id, "error", err)
		return
	}
	r.fanOut(from.id, msg.Method, data)
}

// fanOut delivers data to every registered connection except exclude. A
// failed send is logged for that peer and does not stop delivery to the
// others.
func (r *Router) fanOut(exclude, method string, data []byte) {
	r.mu.RLock()
	targets := make([]*peer, 0, len(r.clients))
	for id, p := range r.clients {
		if id != exclude {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Warn("no peers connected, dropping broadcast", "method", method)
	}
	for _, p := range targets {
		r.send(p, data)
	}
	r.metrics.ObserveBroadcast(len(targets))
}

func (r *Router) handleServerRequest(from *peer, msg *protocol.Message) error {
	var result any
	switch msg.Method {
	case "getid":
		result = from.id
	case "getpeers":
		result = r.peersExcept(from.id)
	default:
		return fmt.Errorf("%w: %s", errUnknownMethod, msg.Method)
	}
	if !protocol.HasValue(msg.ID) {
		return nil
	}
	data, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		return err
	}
	r.send(from, data)
	return nil
}

// peersExcept maps every other registered ClientId to the query
// parameters it connected with.
func (r *Router) peersExcept(self string) map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]string, len(r.clients))
	for id, p := range r.clients {
		if id == self {
			continue
		}
		query := make(map[string]string)
		for k := range p.conn.Query() {
			query[k] = p.conn.Query().Get(k)
		}
		out[id] = query
	}
	return out
}

func (r *Router) forwardRequest(from *peer, msg *protocol.Message) error {
	target := r.lookup(msg.Target)
	if target == nil {
		return fmt.Errorf("%w: %s", errUnknownTarget, msg.Target)
	}

	fwd := protocol.Message{
		Version: protocol.CurrentVersion,
		Method:  msg.Method,
		Params:  msg.Params,
	}
	if protocol.HasValue(msg.ID) {
		id, err := json.Marshal(protocol.ResponseID{RequestID: msg.ID, ClientID: from.id})
		if err != nil {
			return err
		}
		fwd.ID = id
	}
	data, err := json.Marshal(fwd)
	if err != nil {
		return err
	}
	r.send(target, data)
	return nil
}

func (r *Router) forwardResponse(msg *protocol.Message) {
	rid, _ := msg.ResponseID()
	target := r.lookup(rid.ClientID)
	if target == nil {
		r.logger.Debug("dropping response for disconnected client", "target", rid.ClientID)
		r.metrics.MessageError(r.path, metrics.ReasonDeadResponse)
		return
	}
	data, err := json.Marshal(protocol.Message{
		Version: protocol.CurrentVersion,
		ID:      rid.RequestID,
		Result:  msg.Result,
		Error:   msg.Error,
	})
	if err != nil {
		r.logger.Error("failed to encode response", "target", rid.ClientID, "error", err)
		return
	}
	r.send(target, data)
}

func (r *Router) send(to *peer, data []byte) {
	if err := to.conn.Send(websocket.MessageText, data); err != nil {
		r.logger.Warn("bus send failed", "clientId", to.id, "error", err)
		r.metrics.MessageError(r.path, metrics.SendReason(err))
	}
}
