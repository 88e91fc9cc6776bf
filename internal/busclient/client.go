// Package busclient is a Go client for the devbus message bus. It is used
// by the devbus CLI to push notifications and query the bus, and by tests
// to play the part of an app instance or a tool.
package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/protocol"
)

const notifyBuffer = 64

// ErrClosed is returned by calls on a client whose connection has ended.
var ErrClosed = errors.New("bus connection closed")

// ResponseError is the error payload of a response, as sent by the peer or
// the bus.
type ResponseError struct {
	Raw json.RawMessage
}

func (e *ResponseError) Error() string {
	var s string
	if err := json.Unmarshal(e.Raw, &s); err == nil {
		return s
	}
	return string(e.Raw)
}

// Client is one bus participant.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	closing atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	notify chan *protocol.Message
}

// Dial connects to the bus endpoint at rawURL (ws:// or wss://). query is
// merged into the URL and is what other peers see through getpeers.
func Dial(ctx context.Context, rawURL string, query url.Values, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	ws.SetReadLimit(conn.DefaultReadLimit)

	c := &Client{
		ws:      ws,
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[string]chan *protocol.Message),
		notify:  make(chan *protocol.Message, notifyBuffer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c, nil
}

// Notifications delivers inbound broadcasts and forwarded requests. It is
// closed when the connection ends. Messages are dropped while the buffer
// is full.
func (c *Client) Notifications() <-chan *protocol.Message { return c.notify }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// Broadcast sends a notification to every other bus participant.
func (c *Client) Broadcast(ctx context.Context, method string, params any) error {
	data, err := protocol.NewBroadcast(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// Call sends a request to target (a ClientId or protocol.ServerTarget) and
// waits for its response. A response carrying an error is returned as a
// *ResponseError.
func (c *Client) Call(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id, _ := json.Marshal(uuid.NewString())
	key := string(id)

	ch := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(protocol.Message{
		Version: protocol.CurrentVersion,
		Method:  method,
		Target:  target,
		Params:  rawParams,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.write(ctx, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if len(resp.Error) > 0 {
			return nil, &ResponseError{Raw: resp.Error}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a request to target without an id; no response is expected.
func (c *Client) Notify(ctx context.Context, target, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(protocol.Message{
		Version: protocol.CurrentVersion,
		Method:  method,
		Target:  target,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.write(ctx, data)
}

// Respond answers a forwarded request. req is the request as received from
// Notifications; its id already names the originating client.
func (c *Client) Respond(ctx context.Context, req *protocol.Message, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return c.respond(ctx, req, raw, nil)
}

// RespondError answers a forwarded request with an error message.
func (c *Client) RespondError(ctx context.Context, req *protocol.Message, errMsg string) error {
	raw, _ := json.Marshal(errMsg)
	return c.respond(ctx, req, nil, raw)
}

func (c *Client) respond(ctx context.Context, req *protocol.Message, result, errRaw json.RawMessage) error {
	if _, ok := req.ResponseID(); !ok {
		return errors.New("request has no routable id")
	}
	data, err := json.Marshal(protocol.Message{
		Version: protocol.CurrentVersion,
		ID:      req.ID,
		Result:  result,
		Error:   errRaw,
	})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.notify)
	defer close(c.done)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !c.closing.Load() {
				c.err = err
			}
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("discarding bus message", "error", err)
			continue
		}
		if msg.Method == "" && (len(msg.Result) > 0 || len(msg.Error) > 0) {
			c.deliverResponse(msg)
			continue
		}
		select {
		case c.notify <- msg:
		default:
			c.logger.Warn("notification buffer full, dropping message", "method", msg.Method)
		}
	}
}

func (c *Client) deliverResponse(msg *protocol.Message) {
	key := string(bytes.TrimSpace(msg.ID))
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", key)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return b, nil
}
