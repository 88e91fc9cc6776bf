package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newRelay serves a PairManager at /debugger-proxy and returns it with the
// ws:// base URL of the test server.
func newRelay(t *testing.T) (*PairManager, *metrics.Metrics, string) {
	t.Helper()
	m := metrics.New()
	pm := NewPairManager("/debugger-proxy", discardLogger(), m)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := conn.New(context.Background(), ws, r, conn.Options{Logger: discardLogger(), PingInterval: -1})
		pm.Attach(c)
		_ = c.Serve()
	}))
	t.Cleanup(srv.Close)
	return pm, m, "ws" + strings.TrimPrefix(srv.URL, "http") + "/debugger-proxy"
}

func dialRole(t *testing.T, base, role string) *websocket.Conn {
	t.Helper()
	url := base
	if role != "" {
		url += "?role=" + role
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, typ, []byte(data)); err != nil {
		t.Fatalf("write %q: %v", data, err)
	}
}

func read(t *testing.T, ws *websocket.Conn) (websocket.MessageType, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return typ, string(data)
}

// expectClose reads until the connection closes and checks the close frame.
func expectClose(t *testing.T, ws *websocket.Conn, code websocket.StatusCode, reason string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err == nil {
			t.Logf("ignoring %q while waiting for close", data)
			continue
		}
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		if ce.Code != code || ce.Reason != reason {
			t.Fatalf("close = (%v, %q), want (%v, %q)", ce.Code, ce.Reason, code, reason)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// counterValue sums the samples of the named counter whose labels include
// every pair in want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func connectPair(t *testing.T, pm *PairManager, base string) (debugger, client *websocket.Conn) {
	t.Helper()
	debugger = dialRole(t, base, "debugger")
	eventually(t, "debugger attach", pm.DebuggerConnected)
	client = dialRole(t, base, "client")
	eventually(t, "client attach", pm.ClientConnected)
	return debugger, client
}

func TestPairManager_Forwarding(t *testing.T) {
	pm, m, base := newRelay(t)
	debugger, client := connectPair(t, pm, base)

	write(t, client, websocket.MessageText, `{"id":1,"method":"Runtime.enable"}`)
	if typ, got := read(t, debugger); typ != websocket.MessageText || got != `{"id":1,"method":"Runtime.enable"}` {
		t.Errorf("debugger got (%v, %q)", typ, got)
	}

	write(t, debugger, websocket.MessageBinary, "\x00\x01raw")
	if typ, got := read(t, client); typ != websocket.MessageBinary || got != "\x00\x01raw" {
		t.Errorf("client got (%v, %q)", typ, got)
	}

	eventually(t, "byte counters", func() bool {
		return counterValue(t, m.Registry, "devbus_relay_bytes_total", map[string]string{"direction": "to_client"}) == 5
	})
	if got := counterValue(t, m.Registry, "devbus_relay_bytes_total", map[string]string{"direction": "to_debugger"}); got != 34 {
		t.Errorf("to_debugger bytes = %v, want 34", got)
	}
}

func TestPairManager_SecondDebuggerRejected(t *testing.T) {
	pm, m, base := newRelay(t)
	first := dialRole(t, base, "debugger")
	eventually(t, "debugger attach", pm.DebuggerConnected)

	second := dialRole(t, base, "debugger")
	expectClose(t, second, websocket.StatusInternalError, ReasonDebuggerConnected)

	if got := counterValue(t, m.Registry, "devbus_connection_rejections_total", map[string]string{"reason": metrics.ReasonRoleConflict}); got != 1 {
		t.Errorf("role_conflict rejections = %v, want 1", got)
	}

	// The incumbent keeps its slot and still receives traffic.
	client := dialRole(t, base, "client")
	eventually(t, "client attach", pm.ClientConnected)
	write(t, client, websocket.MessageText, "still here")
	if _, got := read(t, first); got != "still here" {
		t.Errorf("first debugger got %q", got)
	}
}

func TestPairManager_ClientReplaced(t *testing.T) {
	pm, _, base := newRelay(t)
	debugger, oldClient := connectPair(t, pm, base)

	newClient := dialRole(t, base, "client")
	expectClose(t, oldClient, websocket.StatusInternalError, ReasonClientReplaced)

	write(t, debugger, websocket.MessageText, "for the new client")
	if _, got := read(t, newClient); got != "for the new client" {
		t.Errorf("new client got %q", got)
	}

	// The eviction must not look like a client disconnect to the debugger.
	write(t, newClient, websocket.MessageText, "ack")
	if _, got := read(t, debugger); got != "ack" {
		t.Errorf("debugger got %q, want ack", got)
	}
	if !pm.ClientConnected() {
		t.Error("client slot empty after replacement")
	}
}

func TestPairManager_MissingRole(t *testing.T) {
	tests := []struct {
		name string
		role string
	}{
		{"no role", ""},
		{"unknown role", "observer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, m, base := newRelay(t)
			ws := dialRole(t, base, tt.role)
			expectClose(t, ws, websocket.StatusInternalError, ReasonMissingRole)
			if pm.DebuggerConnected() || pm.ClientConnected() {
				t.Error("rejected connection took a slot")
			}
			if got := counterValue(t, m.Registry, "devbus_connection_rejections_total", map[string]string{"reason": metrics.ReasonMissingRole}); got != 1 {
				t.Errorf("missing_role rejections = %v, want 1", got)
			}
		})
	}
}

func TestPairManager_ClientDisconnectNotifiesDebugger(t *testing.T) {
	pm, _, base := newRelay(t)
	debugger, client := connectPair(t, pm, base)

	if err := client.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if _, got := read(t, debugger); got != string(DisconnectedMessage) {
		t.Errorf("debugger got %q, want %s", got, DisconnectedMessage)
	}
	eventually(t, "client slot cleared", func() bool { return !pm.ClientConnected() })
	if !pm.DebuggerConnected() {
		t.Error("debugger detached after client left")
	}
}

func TestPairManager_DebuggerDisconnectClosesClient(t *testing.T) {
	pm, m, base := newRelay(t)
	debugger, client := connectPair(t, pm, base)

	if err := debugger.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("debugger close: %v", err)
	}
	expectClose(t, client, websocket.StatusInternalError, ReasonDebuggerGone)
	eventually(t, "slots cleared", func() bool {
		return !pm.DebuggerConnected() && !pm.ClientConnected()
	})

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "devbus_debugger_connected" {
			continue
		}
		for _, g := range mf.GetMetric() {
			if v := g.GetGauge().GetValue(); v != 0 {
				t.Errorf("debugger_connected = %v after disconnect, want 0", v)
			}
		}
	}
}

func TestPairManager_DropsWithoutPeer(t *testing.T) {
	pm, m, base := newRelay(t)
	client := dialRole(t, base, "client")
	eventually(t, "client attach", pm.ClientConnected)

	write(t, client, websocket.MessageText, "nobody listening")
	eventually(t, "drop recorded", func() bool {
		return counterValue(t, m.Registry, "devbus_message_errors_total", map[string]string{"reason": metrics.ReasonPeerMissing}) == 1
	})

	debugger := dialRole(t, base, "debugger")
	eventually(t, "debugger attach", pm.DebuggerConnected)
	write(t, client, websocket.MessageText, "hello")
	if _, got := read(t, debugger); got != "hello" {
		t.Errorf("debugger got %q, want only messages sent after it attached", got)
	}
}

func TestPairManager_NewDebuggerAfterDisconnect(t *testing.T) {
	pm, _, base := newRelay(t)
	first := dialRole(t, base, "debugger")
	eventually(t, "debugger attach", pm.DebuggerConnected)
	if err := first.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "debugger slot cleared", func() bool { return !pm.DebuggerConnected() })

	dialRole(t, base, "debugger")
	eventually(t, "second debugger attach", pm.DebuggerConnected)
}

func TestPairManager_ForwardsLargeFrames(t *testing.T) {
	pm, _, base := newRelay(t)
	debugger, client := connectPair(t, pm, base)
	debugger.SetReadLimit(-1)

	payload := `{"id":7,"result":{"scriptSource":"` + strings.Repeat("x", 3<<20) + `"}}`
	write(t, client, websocket.MessageText, payload)
	typ, got := read(t, debugger)
	if typ != websocket.MessageText || got != payload {
		t.Fatalf("debugger got (%v, %d bytes), want the %d byte reply", typ, len(got), len(payload))
	}

	write(t, debugger, websocket.MessageText, `{"id":8,"method":"Debugger.resume"}`)
	if _, got := read(t, client); got != `{"id":8,"method":"Debugger.resume"}` {
		t.Errorf("client got %q after large frame", got)
	}
}
