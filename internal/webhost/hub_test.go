package webhost

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/blebridge/internal/config"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read frame: %v", err)
	}
}

func TestHubBroadcastsEvents(t *testing.T) {
	srv, hub := newTestServer(t, newFakeBridge(), config.ServerConfig{})
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	waitClients(t, hub, 2)

	hub.Emit("onBluetoothConnected", "AA:BB:CC:DD:EE:FF")

	for _, conn := range []*websocket.Conn{a, b} {
		var ev EventFrame
		readJSON(t, conn, &ev)
		if ev.Event != "onBluetoothConnected" || ev.Data != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestHubCallReply(t *testing.T) {
	b := newFakeBridge()
	srv, _ := newTestServer(t, b, config.ServerConfig{})
	conn := dial(t, srv, nil)

	calls := []struct {
		frame  string
		result string
		errSub string
	}{
		{`{"id":1,"method":"isBluetoothEnabled"}`, "true", ""},
		{`{"id":2,"method":"writeData","params":["s","c","hi"]}`, "null", ""},
		{`{"id":3,"method":"getPairedDevices"}`, b.paired, ""},
		{`{"id":4,"method":"nope"}`, "", "unknown method"},
	}
	for i, c := range calls {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c.frame)); err != nil {
			t.Fatal(err)
		}
		var reply ReplyFrame
		readJSON(t, conn, &reply)
		if reply.ID != int64(i+1) {
			t.Errorf("reply id = %d, want %d", reply.ID, i+1)
		}
		if string(reply.Result) != c.result {
			t.Errorf("call %d result = %s, want %s", i+1, reply.Result, c.result)
		}
		if (c.errSub == "" && reply.Error != "") || !strings.Contains(reply.Error, c.errSub) {
			t.Errorf("call %d error = %q, want %q", i+1, reply.Error, c.errSub)
		}
	}
	if got := b.recorded(); len(got) != 1 || got[0] != "write s c hi" {
		t.Errorf("calls = %q", got)
	}
}

func TestHubMalformedCall(t *testing.T) {
	srv, _ := newTestServer(t, newFakeBridge(), config.ServerConfig{})
	conn := dial(t, srv, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var reply ReplyFrame
	readJSON(t, conn, &reply)
	if !strings.HasPrefix(reply.Error, "malformed call") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHubOrigin(t *testing.T) {
	srv, _ := newTestServer(t, newFakeBridge(), config.ServerConfig{AllowOrigins: []string{"http://app.local"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.local"}})
	if err == nil {
		t.Fatal("dial from a foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	dial(t, srv, http.Header{"Origin": {"http://app.local"}})
}

func TestHubClose(t *testing.T) {
	srv, hub := newTestServer(t, newFakeBridge(), config.ServerConfig{})
	conn := dial(t, srv, nil)
	waitClients(t, hub, 1)

	hub.Close()
	waitClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded after hub close")
	}

	// Emitting with no clients is a no-op.
	hub.Emit("onBluetoothError", "ignored")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://a"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://a", true},
		{"http://b", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}

	wildcard := originChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://anything")
	if !wildcard(r) {
		t.Error("wildcard rejected an origin")
	}
}
