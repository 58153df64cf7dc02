package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ws "github.com/gorilla/websocket"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"docs-collab-server/auth"
	"docs-collab-server/collab"
)

// sioClient speaks just enough Engine.IO v4 / socket.io v5 over a raw
// WebSocket to drive the server: text packets, pings answered with pongs.
type sioClient struct {
	t       *testing.T
	conn    *ws.Conn
	pending []string
}

func newSocketIOServer(t *testing.T, verifier *auth.Verifier) (*testEnv, string) {
	t.Helper()
	env := newTestEnv(t, verifier)
	ioo := SetupSocketIO(SocketIOConfig{
		Registry: env.registry,
		Access:   env.store,
		Activity: env.store,
		Verifier: verifier,
	})
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", ioo.ServeHandler(nil))
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		ioo.Close(nil)
		server.Close()
	})
	return env, "ws" + strings.TrimPrefix(server.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

func dialSocketIO(t *testing.T, url string, authPayload map[string]any) *sioClient {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	c := &sioClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })

	if open := c.next(); !strings.HasPrefix(open, "0") {
		t.Fatalf("first packet = %q, want engine.io open", open)
	}
	connect := "40"
	if authPayload != nil {
		data, _ := json.Marshal(authPayload)
		connect += string(data)
	}
	c.write(connect)

	for {
		packet := c.next()
		if strings.HasPrefix(packet, "40") {
			return c
		}
		if strings.HasPrefix(packet, "44") {
			t.Fatalf("connect refused: %s", packet)
		}
		c.pending = append(c.pending, packet)
	}
}

func (c *sioClient) write(packet string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(ws.TextMessage, []byte(packet)); err != nil {
		c.t.Fatalf("WriteMessage() failed: %v", err)
	}
}

func (c *sioClient) read(timeout time.Duration) (string, error) {
	if len(c.pending) > 0 {
		packet := c.pending[0]
		c.pending = c.pending[1:]
		return packet, nil
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if string(data) == "2" {
			_ = c.conn.WriteMessage(ws.TextMessage, []byte("3"))
			continue
		}
		return string(data), nil
	}
}

func (c *sioClient) next() string {
	c.t.Helper()
	packet, err := c.read(2 * time.Second)
	if err != nil {
		c.t.Fatalf("ReadMessage() failed: %v", err)
	}
	return packet
}

func (c *sioClient) emit(event string, payload any) {
	c.t.Helper()
	c.emitWithAck(-1, event, payload)
}

func (c *sioClient) emitWithAck(id int, event string, payload any) {
	c.t.Helper()
	data, err := json.Marshal([]any{event, payload})
	if err != nil {
		c.t.Fatal(err)
	}
	prefix := "42"
	if id >= 0 {
		prefix += strconv.Itoa(id)
	}
	c.write(prefix + string(data))
}

// collect reads packets until every wanted key ("event:<name>" or
// "ack:<id>") has been seen, returning the first argument of each.
func (c *sioClient) collect(want ...string) map[string]map[string]any {
	c.t.Helper()
	got := make(map[string]map[string]any)
	for len(got) < len(want) {
		key, arg := parseSocketIOPacket(c.t, c.next())
		for _, w := range want {
			if w == key {
				got[key] = arg
			}
		}
	}
	return got
}

func (c *sioClient) expectEvent(event string) map[string]any {
	c.t.Helper()
	key, arg := parseSocketIOPacket(c.t, c.next())
	if key != "event:"+event {
		c.t.Fatalf("received %s %v, want event %s", key, arg, event)
	}
	return arg
}

func (c *sioClient) expectSilence() {
	c.t.Helper()
	if packet, err := c.read(150 * time.Millisecond); err == nil {
		c.t.Fatalf("unexpected packet %q", packet)
	}
}

func parseSocketIOPacket(t *testing.T, packet string) (string, map[string]any) {
	t.Helper()
	if len(packet) < 2 || packet[0] != '4' {
		return "engine:" + packet, nil
	}
	kind, rest := packet[1], packet[2:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	ackID, body := rest[:i], rest[i:]

	var args []json.RawMessage
	if err := json.Unmarshal([]byte(body), &args); err != nil {
		return fmt.Sprintf("packet:%c", kind), nil
	}
	switch kind {
	case '2':
		var name string
		var arg map[string]any
		_ = json.Unmarshal(args[0], &name)
		if len(args) > 1 {
			_ = json.Unmarshal(args[1], &arg)
		}
		return "event:" + name, arg
	case '3':
		var arg map[string]any
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &arg)
		}
		return "ack:" + ackID, arg
	}
	return fmt.Sprintf("packet:%c", kind), nil
}

func sioJoin(t *testing.T, c *sioClient, payload any) []any {
	t.Helper()
	c.emitWithAck(1, "join", payload)
	got := c.collect("event:room-users", "ack:1")
	if status := got["ack:1"]["status"]; status != "ok" {
		t.Fatalf("join ack = %v, want ok", got["ack:1"])
	}
	users, _ := got["event:room-users"]["users"].([]any)
	if acked, _ := got["ack:1"]["users"].([]any); len(acked) != len(users) {
		t.Errorf("ack users = %v, room-users = %v", acked, users)
	}
	return users
}

func TestSocketIO_JoinAndRelayWithoutEcho(t *testing.T) {
	env, url := newSocketIOServer(t, nil)
	a := dialSocketIO(t, url, nil)
	b := dialSocketIO(t, url, nil)

	if users := sioJoin(t, a, map[string]any{"documentId": env.docID, "userId": "u1", "displayName": "Ann"}); len(users) != 1 {
		t.Fatalf("first room-users = %v, want one user", users)
	}
	users := sioJoin(t, b, map[string]any{"documentId": env.docID, "userId": "u2", "displayName": "Bea"})
	if len(users) != 2 {
		t.Fatalf("second room-users = %v, want two users", users)
	}

	joined := a.expectEvent("user-joined")
	if user, _ := joined["user"].(map[string]any); user["userId"] != "u2" || user["color"] != collab.ColorOf("u2") {
		t.Errorf("user-joined = %v", joined)
	}

	a.emit("document-change", map[string]any{"content": "Hello"})
	updated := b.expectEvent("document-updated")
	if updated["userId"] != "u1" || updated["content"] != "Hello" {
		t.Errorf("document-updated = %v", updated)
	}
	a.expectSilence()
}

func TestSocketIO_AbruptDisconnect(t *testing.T) {
	env, url := newSocketIOServer(t, nil)
	a := dialSocketIO(t, url, nil)
	b := dialSocketIO(t, url, nil)
	sioJoin(t, a, map[string]any{"documentId": env.docID, "userId": "u1"})
	sioJoin(t, b, map[string]any{"documentId": env.docID, "userId": "u2"})
	a.expectEvent("user-joined")

	a.conn.Close()

	left := b.expectEvent("user-left")
	if left["userId"] != "u1" {
		t.Errorf("user-left = %v", left)
	}
	presence := env.registry.ListPresence(env.docID)
	if len(presence) != 1 || presence[0].UserID != "u2" {
		t.Errorf("presence = %v, want [u2]", presence)
	}
}

func TestSocketIO_JoinRejected(t *testing.T) {
	_, url := newSocketIOServer(t, nil)
	c := dialSocketIO(t, url, nil)

	c.emitWithAck(7, "join", map[string]any{"documentId": "does-not-exist", "userId": "u1"})
	got := c.collect("event:error", "ack:7")
	if got["event:error"]["reason"] != collab.ReasonNotFound {
		t.Errorf("error event = %v, want %s", got["event:error"], collab.ReasonNotFound)
	}
	if ack := got["ack:7"]; ack["status"] != "error" || ack["reason"] != collab.ReasonNotFound {
		t.Errorf("ack = %v", ack)
	}
}

func TestSocketIO_HandshakeToken(t *testing.T) {
	verifier := auth.NewVerifier("test-secret")
	env, url := newSocketIOServer(t, verifier)
	token, err := verifier.Sign(auth.Identity{UserID: "u2", Name: "Bea"}, jwt.RegisteredClaims{})
	if err != nil {
		t.Fatal(err)
	}

	c := dialSocketIO(t, url, map[string]any{"token": token})
	users := sioJoin(t, c, env.docID)
	if len(users) != 1 {
		t.Fatalf("room-users = %v, want one user", users)
	}
	if user, _ := users[0].(map[string]any); user["userId"] != "u2" || user["displayName"] != "Bea" {
		t.Errorf("room-users = %v, want identity from handshake token", users)
	}

	rejected := dialSocketIO(t, url, map[string]any{"token": "garbage"})
	if msg := rejected.expectEvent("error"); msg["reason"] != collab.ReasonUnauthorized {
		t.Errorf("error event = %v, want %s", msg, collab.ReasonUnauthorized)
	}
}

func TestHandshakeToken(t *testing.T) {
	tests := []struct {
		name string
		h    *socketio.Handshake
		want string
	}{
		{"nil", nil, ""},
		{"auth object", &socketio.Handshake{Auth: map[string]any{"token": "abc"}}, "abc"},
		{"bearer header", &socketio.Handshake{Headers: map[string][]string{"authorization": {"Bearer xyz"}}}, "xyz"},
		{"auth wins", &socketio.Handshake{
			Auth:    map[string]any{"token": "abc"},
			Headers: map[string][]string{"Authorization": {"Bearer xyz"}},
		}, "abc"},
		{"non-string token", &socketio.Handshake{Auth: map[string]any{"token": 42}}, ""},
		{"basic auth header", &socketio.Handshake{Headers: map[string][]string{"Authorization": {"Basic Zm9v"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := handshakeToken(tt.h); got != tt.want {
				t.Errorf("handshakeToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
