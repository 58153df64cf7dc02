// Package client is the editor-side handle on a collaboration room. A Session
// keeps one WebSocket joined to a document, reconnecting after failures, and
// tracks who else is present and typing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docs-collab-server/collab"
)

// RejectedError ends Run when the server refuses the join for a reason that
// retrying cannot fix.
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("join rejected: %s", e.Reason)
}

type Session struct {
	opts Options
	log  *logrus.Entry

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	users        []collab.PresenceEntry
	typing       map[string]struct{}
	typingActive bool
	typingGen    uint64
	typingTimer  *time.Timer

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts: opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"document_id": opts.DocumentID,
			"user_id":     opts.UserID,
		}),
		typing: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Run connects and keeps the session joined until ctx is done or Close is
// called. It returns nil after Close, ctx.Err() on cancellation and a
// *RejectedError when the server refuses the join.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		joined, err := s.connect(ctx)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return err
		}
		select {
		case <-s.done:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if joined {
			attempt = 0
		}

		delay := s.opts.Backoff.next(attempt, jitterSource)
		attempt++
		s.log.WithError(err).WithField("delay", delay).Info("Connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			select {
			case <-s.done:
				return nil
			default:
				return ctx.Err()
			}
		case <-timer.C:
		}
	}
}

// Close tears the session down for good.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// Connected reports whether the session is currently joined to its room.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Users is the room's presence list, including this session.
func (s *Session) Users() []collab.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collab.PresenceEntry(nil), s.users...)
}

// TypingUsers lists the ids of other users currently typing.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.typing))
	for id := range s.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) SendChange(content string) {
	s.send(collab.DocumentChange{
		Type:   collab.TypeDocumentChange,
		Change: collab.Change{Content: &content},
	})
}

func (s *Session) SendDelta(delta json.RawMessage) {
	s.send(collab.DocumentChange{
		Type:   collab.TypeDocumentChange,
		Change: collab.Change{Delta: delta},
	})
}

func (s *Session) SendCursor(pos collab.CursorPosition) {
	s.send(collab.CursorUpdate{Type: collab.TypeCursorUpdate, Cursor: &pos})
}

// NotifyTyping sends typing-start on the first call of a burst. Each call
// pushes back the typing-stop that follows TypingIdle after the last one.
func (s *Session) NotifyTyping() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		s.log.Debug("Dropped typing notification while disconnected")
		return
	}
	start := !s.typingActive
	s.typingActive = true
	s.typingGen++
	gen := s.typingGen
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.opts.TypingIdle, func() { s.stopTyping(gen) })
	s.mu.Unlock()

	if start {
		s.send(typingMessage{Type: collab.TypeTypingStart})
	}
}

type typingMessage struct {
	Type collab.MessageType `json:"type"`
}

func (s *Session) stopTyping(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.send(typingMessage{Type: collab.TypeTypingStop})
}

// send drops msg unless the session is joined. Nothing is queued for replay.
func (s *Session) send(msg any) {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		s.log.Debug("Dropped outbound message while disconnected")
		return
	}
	if err := s.write(conn, msg); err != nil {
		s.log.WithError(err).Debug("Failed to send message")
	}
}

func (s *Session) write(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("documentId", s.opts.DocumentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect runs one connection from dial to close. joined reports whether the
// server admitted the session before the connection ended.
func (s *Session) connect(ctx context.Context) (joined bool, err error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, &RejectedError{Reason: collab.ReasonUnauthorized, Message: resp.Status}
		}
		return false, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	select {
	case <-s.done:
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return false, nil
	default:
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer s.disconnected(conn)

	join := collab.JoinRequest{
		Type:        collab.TypeJoin,
		DocumentID:  s.opts.DocumentID,
		UserID:      s.opts.UserID,
		DisplayName: s.opts.DisplayName,
		Token:       s.opts.Token,
	}
	if err := s.write(conn, join); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return joined, err
		}
		admitted, err := s.dispatch(data)
		if admitted {
			joined = true
		}
		if err != nil {
			return joined, err
		}
	}
}

func (s *Session) dispatch(data []byte) (admitted bool, err error) {
	var envelope struct {
		Type collab.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.log.WithError(err).Debug("Ignoring undecodable message")
		return false, nil
	}

	switch envelope.Type {
	case collab.TypeRoomUsers:
		var msg collab.RoomUsers
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		s.mu.Lock()
		wasConnected := s.connected
		s.users = msg.Users
		s.connected = true
		s.mu.Unlock()
		if !wasConnected {
			s.log.Info("Joined document")
			s.stateChanged(true)
		}
		return true, nil

	case collab.TypeUserJoined:
		var msg collab.UserJoined
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		s.mu.Lock()
		s.users = append(s.users, msg.User)
		s.mu.Unlock()
		if s.opts.OnUserJoined != nil {
			s.opts.OnUserJoined(msg.User)
		}

	case collab.TypeUserLeft:
		var msg collab.UserLeft
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		s.mu.Lock()
		s.users = removeUser(s.users, msg)
		stillPresent := false
		for _, u := range s.users {
			if u.UserID == msg.UserID {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			delete(s.typing, msg.UserID)
		}
		s.mu.Unlock()
		if s.opts.OnUserLeft != nil {
			s.opts.OnUserLeft(msg.UserID)
		}

	case collab.TypeDocumentUpdated:
		var msg collab.DocumentUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		if s.opts.OnDocumentUpdated != nil {
			s.opts.OnDocumentUpdated(msg)
		}

	case collab.TypeCursorUpdated:
		var msg collab.CursorUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		if s.opts.OnCursorUpdated != nil {
			s.opts.OnCursorUpdated(msg)
		}

	case collab.TypeUserTyping, collab.TypeUserStoppedTyping:
		var msg collab.UserTyping
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		s.mu.Lock()
		if envelope.Type == collab.TypeUserTyping {
			s.typing[msg.UserID] = struct{}{}
		} else {
			delete(s.typing, msg.UserID)
		}
		s.mu.Unlock()

	case collab.TypeError:
		var msg collab.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		s.log.WithField("reason", msg.Reason).Warn("Server reported an error")
		if s.opts.OnError != nil {
			s.opts.OnError(msg)
		}
		if msg.Reason == collab.ReasonUnavailable {
			return false, errors.New("join unavailable: " + msg.Message)
		}
		return false, &RejectedError{Reason: msg.Reason, Message: msg.Message}

	default:
		s.log.WithField("type", envelope.Type).Debug("Ignoring unknown message")
	}
	return false, nil
}

// removeUser drops the connection that left. Servers that omit the
// connection id get the first entry for the user removed.
func removeUser(users []collab.PresenceEntry, left collab.UserLeft) []collab.PresenceEntry {
	for i, u := range users {
		if left.ConnectionID != "" && u.ConnectionID != left.ConnectionID {
			continue
		}
		if u.UserID == left.UserID {
			return append(users[:i], users[i+1:]...)
		}
	}
	return users
}

// disconnected forgets the connection along with everything learned through it.
func (s *Session) disconnected(conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	wasConnected := s.connected
	s.conn = nil
	s.connected = false
	s.users = nil
	s.typing = make(map[string]struct{})
	s.typingActive = false
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	if wasConnected {
		s.log.Info("Disconnected from document")
		s.stateChanged(false)
	}
}

func (s *Session) stateChanged(connected bool) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(connected)
	}
}
