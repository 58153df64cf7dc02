package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docs-collab-server/collab"
	"docs-collab-server/core"
	wshandler "docs-collab-server/handlers/websocket"
	"docs-collab-server/stores/memory"
)

type testServer struct {
	url   string
	docID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	projectID, err := store.CreateProject(ctx, &core.Project{OwnerID: "u1", Members: []string{"u2"}})
	if err != nil {
		t.Fatalf("CreateProject() failed: %v", err)
	}
	docID, err := store.Create(ctx, &core.Document{ProjectID: projectID, Title: "Doc"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	registry := collab.NewRegistry()
	server := httptest.NewServer(wshandler.NewHandler(registry, store, store, nil, wshandler.DefaultSettings()))
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})
	return &testServer{url: wsURL(server.URL), docID: docID}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/collaboration"
}

func start(t *testing.T, opts Options) (*Session, <-chan error) {
	t.Helper()
	s := New(opts)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	t.Cleanup(s.Close)
	return s, errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_JoinAndRelay(t *testing.T) {
	srv := newTestServer(t)

	updates := make(chan collab.DocumentUpdated, 4)
	cursors := make(chan collab.CursorUpdated, 4)
	joined := make(chan collab.PresenceEntry, 4)
	left := make(chan string, 4)

	alice, _ := start(t, Options{
		URL: srv.url, DocumentID: srv.docID, UserID: "u1", DisplayName: "Alice",
		OnUserJoined: func(p collab.PresenceEntry) { joined <- p },
		OnUserLeft:   func(id string) { left <- id },
	})
	waitFor(t, "alice joined", alice.Connected)

	bob, _ := start(t, Options{
		URL: srv.url, DocumentID: srv.docID, UserID: "u2", DisplayName: "Bob",
		OnDocumentUpdated: func(m collab.DocumentUpdated) { updates <- m },
		OnCursorUpdated:   func(m collab.CursorUpdated) { cursors <- m },
	})
	waitFor(t, "bob joined", bob.Connected)

	if users := bob.Users(); len(users) != 2 || users[0].UserID != "u1" || users[1].UserID != "u2" {
		t.Fatalf("bob.Users() = %+v", users)
	}
	select {
	case p := <-joined:
		if p.UserID != "u2" || p.Color != collab.ColorOf("u2") {
			t.Errorf("user-joined = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alice was not told about bob")
	}
	waitFor(t, "alice sees bob", func() bool { return len(alice.Users()) == 2 })

	alice.SendChange("hello")
	select {
	case m := <-updates:
		if m.UserID != "u1" || m.DisplayName != "Alice" || m.Content == nil || *m.Content != "hello" {
			t.Errorf("document-updated = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the change")
	}

	alice.SendCursor(collab.CursorPosition{Line: 3, Ch: 7})
	select {
	case m := <-cursors:
		if m.UserID != "u1" || m.Cursor != (collab.CursorPosition{Line: 3, Ch: 7}) {
			t.Errorf("cursor-updated = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the cursor")
	}

	bob.Close()
	select {
	case id := <-left:
		if id != "u2" {
			t.Errorf("user-left = %q, want u2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alice was not told bob left")
	}
	waitFor(t, "alice drops bob", func() bool { return len(alice.Users()) == 1 })
}

func TestSession_NotifyTypingDebounce(t *testing.T) {
	srv := newTestServer(t)

	observer, _, err := websocket.DefaultDialer.Dial(srv.url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer observer.Close()
	observer.WriteJSON(map[string]string{"type": "join", "documentId": srv.docID, "userId": "u2"})
	if typ := readType(t, observer); typ != collab.TypeRoomUsers {
		t.Fatalf("observer got %s, want room-users", typ)
	}

	typist, _ := start(t, Options{
		URL: srv.url, DocumentID: srv.docID, UserID: "u1",
		TypingIdle: 200 * time.Millisecond,
	})
	waitFor(t, "typist joined", typist.Connected)
	if typ := readType(t, observer); typ != collab.TypeUserJoined {
		t.Fatalf("observer got %s, want user-joined", typ)
	}

	for i := 0; i < 3; i++ {
		typist.NotifyTyping()
		time.Sleep(50 * time.Millisecond)
	}

	if typ := readType(t, observer); typ != collab.TypeUserTyping {
		t.Fatalf("observer got %s, want user-typing", typ)
	}
	if typ := readType(t, observer); typ != collab.TypeUserStoppedTyping {
		t.Fatalf("observer got %s, want user-stopped-typing", typ)
	}
	observer.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	if _, data, err := observer.ReadMessage(); err == nil {
		t.Errorf("unexpected frame after typing-stop: %s", data)
	}
}

func TestSession_TracksTypingUsers(t *testing.T) {
	srv := newTestServer(t)

	watcher, _ := start(t, Options{URL: srv.url, DocumentID: srv.docID, UserID: "u2"})
	waitFor(t, "watcher joined", watcher.Connected)
	typist, _ := start(t, Options{
		URL: srv.url, DocumentID: srv.docID, UserID: "u1",
		TypingIdle: 100 * time.Millisecond,
	})
	waitFor(t, "typist joined", typist.Connected)

	typist.NotifyTyping()
	waitFor(t, "typing shown", func() bool {
		ids := watcher.TypingUsers()
		return len(ids) == 1 && ids[0] == "u1"
	})
	waitFor(t, "typing cleared", func() bool { return len(watcher.TypingUsers()) == 0 })
}

func TestSession_SendWhileDisconnectedIsDropped(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws", DocumentID: "doc", UserID: "u1"})

	s.SendChange("lost")
	s.SendCursor(collab.CursorPosition{})
	s.NotifyTyping()

	if s.Connected() {
		t.Error("Connected() = true before Run")
	}
	if len(s.Users()) != 0 || len(s.TypingUsers()) != 0 {
		t.Error("expected no presence before Run")
	}
}

func TestSession_JoinRejected(t *testing.T) {
	srv := newTestServer(t)

	var reported atomic.Value
	_, errc := start(t, Options{
		URL: srv.url, DocumentID: "missing", UserID: "u1",
		Backoff: FixedBackoff(10 * time.Millisecond),
		OnError: func(m collab.ErrorMessage) { reported.Store(m.Reason) },
	})

	select {
	case err := <-errc:
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Reason != collab.ReasonNotFound {
			t.Fatalf("Run() = %v, want not-found rejection", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after rejection")
	}
	if got, _ := reported.Load().(string); got != collab.ReasonNotFound {
		t.Errorf("OnError reason = %q, want %q", got, collab.ReasonNotFound)
	}
}

func TestSession_ReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := dials.Add(1)

		var join collab.JoinRequest
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		conn.WriteJSON(collab.RoomUsers{
			Type:  collab.TypeRoomUsers,
			Users: []collab.PresenceEntry{{UserID: join.UserID, Color: collab.ColorOf(join.UserID)}},
		})
		if n == 1 {
			conn.WriteJSON(collab.UserTyping{Type: collab.TypeUserTyping, UserID: "someone"})
			time.Sleep(50 * time.Millisecond)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	var mu sync.Mutex
	var states []bool
	var usersOnDrop, typingOnDrop int
	var s *Session
	s = New(Options{
		URL: wsURL(server.URL), DocumentID: "doc", UserID: "u1",
		Backoff: FixedBackoff(20 * time.Millisecond),
		OnStateChange: func(connected bool) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, connected)
			if !connected {
				usersOnDrop = len(s.Users())
				typingOnDrop = len(s.TypingUsers())
			}
		},
	})
	go s.Run(context.Background())
	defer s.Close()

	waitFor(t, "second connection", func() bool { return dials.Load() >= 2 && s.Connected() })

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || !states[0] || states[1] || !states[2] {
		t.Errorf("state changes = %v, want [true false true]", states)
	}
	if usersOnDrop != 0 || typingOnDrop != 0 {
		t.Errorf("presence not cleared on drop: users=%d typing=%d", usersOnDrop, typingOnDrop)
	}
}

func TestSession_UserLeftRemovesOnlyThatConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join collab.JoinRequest
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		conn.WriteJSON(collab.RoomUsers{Type: collab.TypeRoomUsers, Users: []collab.PresenceEntry{
			{UserID: "u2", ConnectionID: "tab-a"},
			{UserID: "u2", ConnectionID: "tab-b"},
			{UserID: join.UserID, ConnectionID: "self"},
		}})
		conn.WriteJSON(collab.UserTyping{Type: collab.TypeUserTyping, UserID: "u2"})
		conn.WriteJSON(collab.UserLeft{Type: collab.TypeUserLeft, UserID: "u2", ConnectionID: "tab-b"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	left := make(chan string, 1)
	s, _ := start(t, Options{
		URL: wsURL(server.URL), DocumentID: "doc", UserID: "u1",
		OnUserLeft: func(id string) { left <- id },
	})
	select {
	case <-left:
	case <-time.After(3 * time.Second):
		t.Fatal("user-left not delivered")
	}

	users := s.Users()
	if len(users) != 2 || users[0].ConnectionID != "tab-a" || users[1].ConnectionID != "self" {
		t.Errorf("Users() = %+v, want tab-a and self", users)
	}
	if typing := s.TypingUsers(); len(typing) != 1 || typing[0] != "u2" {
		t.Errorf("TypingUsers() = %v, want [u2] while another tab remains", typing)
	}
}

func TestSession_CloseStopsRun(t *testing.T) {
	srv := newTestServer(t)

	s, errc := start(t, Options{URL: srv.url, DocumentID: srv.docID, UserID: "u1"})
	waitFor(t, "joined", s.Connected)

	s.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v, want nil after Close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if s.Connected() {
		t.Error("Connected() = true after Close")
	}
}

func TestSession_ContextCancelStopsRun(t *testing.T) {
	s := New(Options{
		URL: "ws://127.0.0.1:1/ws", DocumentID: "doc", UserID: "u1",
		Backoff: FixedBackoff(time.Hour),
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func readType(t *testing.T, conn *websocket.Conn) collab.MessageType {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	var envelope struct {
		Type collab.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return envelope.Type
}
