// Package relay implements the debugger relay: one debugger connection
// paired with one client connection, with every payload forwarded
// verbatim to the other side.
package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/metrics"
)

// Role selects a slot in a PairManager. It is taken from the "role" query
// parameter of the upgrade URL.
type Role string

const (
	RoleDebugger Role = "debugger"
	RoleClient   Role = "client"
)

// Close reasons sent to evicted or rejected connections.
const (
	ReasonMissingRole       = "Missing role param"
	ReasonDebuggerConnected = "Another debugger is already connected"
	ReasonClientReplaced    = "Another client connected"
	ReasonDebuggerGone      = "Debugger was disconnected"
)

// DisconnectedMessage is sent to the debugger when the client goes away.
var DisconnectedMessage = []byte(`{"method":"$disconnected"}`)

// PairManager holds at most one debugger and one client for a single relay
// path. A second debugger is refused and the first one is kept. A second
// client replaces the first, so a reloaded app displaces its stale
// predecessor.
type PairManager struct {
	path    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	debugger *conn.Conn
	client   *conn.Conn
}

// NewPairManager returns an empty pair for the relay served at path.
func NewPairManager(path string, logger *slog.Logger, m *metrics.Metrics) *PairManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PairManager{
		path:    path,
		logger:  logger.With("path", path),
		metrics: m,
	}
}

// Path returns the relay path this manager serves.
func (p *PairManager) Path() string { return p.path }

// DebuggerConnected reports whether the debugger slot is occupied.
func (p *PairManager) DebuggerConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debugger != nil
}

// ClientConnected reports whether the client slot is occupied.
func (p *PairManager) ClientConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

// Attach admits c according to its role query parameter and returns the
// role it was admitted under. ok is false when c was rejected; c is then
// already closing.
func (p *PairManager) Attach(c *conn.Conn) (role Role, ok bool) {
	switch Role(c.Query().Get("role")) {
	case RoleDebugger:
		return RoleDebugger, p.attachDebugger(c)
	case RoleClient:
		p.attachClient(c)
		return RoleClient, true
	default:
		p.logger.Warn("relay connection without role", "remote", c.RemoteAddr())
		p.metrics.ConnectionRejected(p.path, metrics.ReasonMissingRole)
		c.Close(websocket.StatusInternalError, ReasonMissingRole)
		return "", false
	}
}

func (p *PairManager) attachDebugger(c *conn.Conn) bool {
	p.mu.Lock()
	if p.debugger != nil {
		p.mu.Unlock()
		p.logger.Warn("rejecting debugger, slot is taken", "remote", c.RemoteAddr())
		p.metrics.ConnectionRejected(p.path, metrics.ReasonRoleConflict)
		c.Close(websocket.StatusInternalError, ReasonDebuggerConnected)
		return false
	}

	c.OnMessage(func(typ websocket.MessageType, data []byte) {
		p.forward(RoleDebugger, typ, data)
	})
	c.OnClose(func(code websocket.StatusCode, reason string) {
		p.debuggerGone(c, "code", code, "reason", reason)
	})
	c.OnError(func(err error) {
		p.debuggerGone(c, "error", err)
	})
	p.debugger = c
	p.mu.Unlock()

	p.logger.Info("debugger connected", "remote", c.RemoteAddr())
	p.metrics.SetDebuggerConnected(p.path, true)
	return true
}

func (p *PairManager) attachClient(c *conn.Conn) {
	c.OnMessage(func(typ websocket.MessageType, data []byte) {
		p.forward(RoleClient, typ, data)
	})
	c.OnClose(func(code websocket.StatusCode, reason string) {
		p.clientGone(c, "code", code, "reason", reason)
	})
	c.OnError(func(err error) {
		p.clientGone(c, "error", err)
	})

	p.mu.Lock()
	old := p.client
	if old != nil {
		// Detach before the slot changes hands so the old client's
		// terminal handler can never clear the new occupant.
		old.Detach()
	}
	p.client = c
	p.mu.Unlock()

	if old != nil {
		p.logger.Info("replacing client", "old", old.RemoteAddr(), "new", c.RemoteAddr())
		p.metrics.ConnectionRejected(p.path, metrics.ReasonEvicted)
		old.Close(websocket.StatusInternalError, ReasonClientReplaced)
	} else {
		p.logger.Info("client connected", "remote", c.RemoteAddr())
	}
}

func (p *PairManager) debuggerGone(c *conn.Conn, attrs ...any) {
	p.mu.Lock()
	if p.debugger != c {
		p.mu.Unlock()
		return
	}
	p.debugger = nil
	client := p.client
	p.mu.Unlock()

	p.logger.Info("debugger disconnected", attrs...)
	p.metrics.SetDebuggerConnected(p.path, false)
	if client != nil {
		client.Close(websocket.StatusInternalError, ReasonDebuggerGone)
	}
}

func (p *PairManager) clientGone(c *conn.Conn, attrs ...any) {
	p.mu.Lock()
	if p.client != c {
		p.mu.Unlock()
		return
	}
	p.client = nil
	debugger := p.debugger
	p.mu.Unlock()

	p.logger.Info("client disconnected", attrs...)
	if debugger != nil {
		if err := debugger.Send(websocket.MessageText, DisconnectedMessage); err != nil {
			p.logger.Warn("failed to notify debugger of client disconnect", "error", err)
			p.metrics.MessageError(p.path, metrics.SendReason(err))
		}
	}
}

// forward relays one payload from the side playing role to its peer. With
// no peer the payload is dropped. A send failure is logged and does not
// affect the sending connection.
func (p *PairManager) forward(from Role, typ websocket.MessageType, data []byte) {
	p.mu.Lock()
	peer, direction := p.client, "to_client"
	if from == RoleClient {
		peer, direction = p.debugger, "to_debugger"
	}
	p.mu.Unlock()

	if peer == nil {
		p.metrics.MessageError(p.path, metrics.ReasonPeerMissing)
		return
	}
	if err := peer.Send(typ, data); err != nil {
		p.logger.Warn("relay forward failed", "from", from, "error", err)
		p.metrics.MessageError(p.path, metrics.SendReason(err))
		return
	}
	p.metrics.RelayedBytes(p.path, direction, len(data))
}
