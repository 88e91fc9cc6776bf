// Package conn wraps an accepted WebSocket in the callback-style connection
// used by the relay and bus endpoints.
//
// A Conn delivers inbound frames to a message handler on its reading
// goroutine and reports exactly one terminal event, close or error, when
// the read loop ends. Handlers can be detached at any time so that an
// evicted connection never calls back into state it no longer owns.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultReadLimit is the inbound message cap when Options.ReadLimit is
// zero. Debugger replies such as script sources routinely run to several
// MiB.
const DefaultReadLimit = 100 << 20

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	pingTimeout         = 10 * time.Second
)

// ErrClosed is wrapped by SendError when the connection is closing or closed.
var ErrClosed = errors.New("connection closed")

// SendError reports a failed Send.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// State is the lifecycle state of a Conn.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type (
	MessageHandler func(typ websocket.MessageType, data []byte)
	CloseHandler   func(code websocket.StatusCode, reason string)
	ErrorHandler   func(err error)
)

// Options tune a Conn. Zero values select the defaults.
type Options struct {
	Logger       *slog.Logger
	WriteTimeout time.Duration // per-frame write deadline (default 10s)
	PingInterval time.Duration // keepalive interval (default 30s, <0 disables)
	ReadLimit    int64         // max inbound message size (default 100 MiB, negative disables)
}

// Conn is a message-oriented connection to one remote peer.
type Conn struct {
	ws         *websocket.Conn
	query      url.Values
	remoteAddr string
	opts       Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	closeCode   websocket.StatusCode
	closeReason string
	onMessage   MessageHandler
	onClose     CloseHandler
	onError     ErrorHandler
}

// New wraps an accepted WebSocket. r is the upgrade request; its query
// parameters are retained for the lifetime of the connection. The
// connection's context derives from ctx, and cancelling it aborts the
// connection.
func New(ctx context.Context, ws *websocket.Conn, r *http.Request, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := &Conn{
		ws:         ws,
		query:      url.Values{},
		remoteAddr: r.RemoteAddr,
		opts:       opts,
		logger:     opts.Logger.With("remote", r.RemoteAddr),
	}
	if r.URL != nil {
		c.query = r.URL.Query()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Query returns the query parameters of the upgrade request.
func (c *Conn) Query() url.Values { return c.query }

// RemoteAddr returns the network address of the peer.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage installs the inbound message handler.
func (c *Conn) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// OnClose installs the handler for a close-handshake termination.
func (c *Conn) OnClose(h CloseHandler) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

// OnError installs the handler for an abnormal termination.
func (c *Conn) OnError(h ErrorHandler) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// Detach removes all handlers. No handler runs after Detach returns,
// except one that was already executing.
func (c *Conn) Detach() {
	c.mu.Lock()
	c.onMessage = nil
	c.onClose = nil
	c.onError = nil
	c.mu.Unlock()
}

// Send writes one frame. It fails with a *SendError if the connection is
// not open or the transport rejects the write. The write is bounded by the
// configured WriteTimeout and by the connection's own lifetime, never by
// the caller's.
func (c *Conn) Send(typ websocket.MessageType, data []byte) error {
	if c.State() != StateOpen {
		return &SendError{Err: ErrClosed}
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, typ, data); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// SendJSON marshals v and sends it as a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Send(websocket.MessageText, data)
}

// Close starts the close handshake with code and reason. It does not wait
// for the handshake to finish, and calls after the first are no-ops.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	go func() {
		if err := c.ws.Close(code, reason); err != nil {
			c.logger.Debug("close handshake incomplete", "code", code, "error", err)
		}
	}()
}

// Serve runs the read loop until the connection ends. Inbound frames are
// delivered to the message handler in arrival order. When the loop exits
// the state becomes StateClosed and exactly one of the close or error
// handlers runs. Serve returns nil after a close handshake and the
// transport error otherwise.
func (c *Conn) Serve() error {
	defer c.cancel()

	if c.opts.PingInterval > 0 {
		go c.pingLoop()
	}

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return c.terminate(err)
		}
		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			h(typ, data)
		}
	}
}

func (c *Conn) terminate(err error) error {
	c.mu.Lock()
	requested := c.state == StateClosing
	code, reason := c.closeCode, c.closeReason
	onClose, onError := c.onClose, c.onError
	c.state = StateClosed
	c.onMessage = nil
	c.onClose = nil
	c.onError = nil
	c.mu.Unlock()

	var closeErr websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		if onClose != nil {
			onClose(closeErr.Code, closeErr.Reason)
		}
		return nil
	case requested:
		if onClose != nil {
			onClose(code, reason)
		}
		return nil
	default:
		_ = c.ws.CloseNow()
		if onError != nil {
			onError(err)
		}
		return err
	}
}

// pingLoop keeps idle connections alive through proxies and detects dead
// peers. A failed ping aborts the connection, which ends the read loop.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("ping failed, dropping connection", "error", err)
					_ = c.ws.CloseNow()
				}
				return
			}
		}
	}
}
