// Package collab implements live document collaboration: the connection
// registry, presence, fan-out and the per-connection session protocol.
//
// All registry state is guarded by a single mutex, and every broadcast is
// dispatched while holding it. That gives one serialized dispatch order per
// process, so members of a room observe messages in submission order.
// Transports must therefore never block in Send.
package collab

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"docs-collab-server/metrics"
)

// Transport is one live, message-framed client connection.
type Transport interface {
	ID() string
	// Send queues f for delivery without blocking. An error means the
	// connection is unusable and will be dropped from the registry.
	Send(f Frame) error
	// Close may be called with the registry lock held and must not call
	// back into the Registry. It must tolerate repeated calls.
	Close() error
}

// Connection is owned by the Registry from join until leave or disconnect.
type Connection struct {
	ID          string
	DocumentID  string
	UserID      string
	DisplayName string
	Color       string
	Cursor      *CursorPosition
	JoinedAt    time.Time

	seq       uint64
	transport Transport
}

// Room holds the connections joined to one document. Empty rooms are removed.
type Room struct {
	DocumentID string
	members    map[string]*Connection
}

type RoomSummary struct {
	DocumentID string `json:"documentId"`
	Users      int    `json:"users"`
}

type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	conns  map[string]*Connection
	seq    uint64
	router *Router
	now    func() time.Time
	log    *logrus.Entry
}

type Option func(*Registry)

func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// WithRelay forwards every locally originated broadcast to other instances.
func WithRelay(relay Relay) Option {
	return func(r *Registry) { r.router.relay = relay }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*Room),
		conns: make(map[string]*Connection),
		now:   time.Now,
		log:   logrus.WithField("component", "collab"),
	}
	r.router = &Router{registry: r}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Router() *Router {
	return r.router
}

// Join admits t into documentID's room. The caller must already have checked
// access. The joiner receives room-users before any other room traffic, and the
// rest of the room receives user-joined. A connection already in another room
// leaves it first. The returned list is nil when the joiner's transport failed
// while being admitted.
func (r *Registry) Join(t Transport, documentID, userID, displayName string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	log := r.log.WithFields(logrus.Fields{
		"connection_id": id,
		"document_id":   documentID,
		"user_id":       userID,
	})

	if existing, ok := r.conns[id]; ok {
		if existing.DocumentID == documentID {
			existing.DisplayName = displayName
			presence := r.presenceLocked(documentID)
			if err := r.sendLocked(existing, TypeRoomUsers, RoomUsers{Type: TypeRoomUsers, Users: presence}); err != nil {
				r.router.dropLocked(existing, err)
				return nil
			}
			return presence
		}
		log.WithField("previous_document_id", existing.DocumentID).Debug("Switching rooms")
		r.leaveLocked(existing)
	}

	room, ok := r.rooms[documentID]
	if !ok {
		room = &Room{DocumentID: documentID, members: make(map[string]*Connection)}
		r.rooms[documentID] = room
		metrics.ActiveRooms.Inc()
	}

	r.seq++
	conn := &Connection{
		ID:          id,
		DocumentID:  documentID,
		UserID:      userID,
		DisplayName: displayName,
		Color:       ColorOf(userID),
		JoinedAt:    r.now(),
		seq:         r.seq,
		transport:   t,
	}
	room.members[id] = conn
	r.conns[id] = conn
	metrics.ActiveConnections.Inc()

	presence := r.presenceLocked(documentID)
	if err := r.sendLocked(conn, TypeRoomUsers, RoomUsers{Type: TypeRoomUsers, Users: presence}); err != nil {
		// Nobody has been told about this member yet, so it goes quietly.
		metrics.SendFailures.Inc()
		log.WithError(err).Warn("Joiner unreachable, admission rolled back")
		r.removeLocked(conn)
		_ = t.Close()
		return nil
	}

	r.router.broadcastLocked(documentID, TypeUserJoined, UserJoined{Type: TypeUserJoined, User: conn.presence()}, id)
	log.Info("Connection joined document room")

	return presence
}

// Leave removes the connection and announces user-left to the remaining
// members. Unknown or already removed ids are ignored.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		r.log.WithField("connection_id", connID).Debug("Leave for unknown connection ignored")
		return
	}
	r.leaveLocked(conn)
}

func (r *Registry) UpdateCursor(connID string, pos CursorPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.lookupLocked(connID, TypeCursorUpdate)
	if !ok {
		return
	}
	conn.Cursor = &pos
	r.router.broadcastLocked(conn.DocumentID, TypeCursorUpdated, CursorUpdated{
		Type:        TypeCursorUpdated,
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
		Cursor:      pos,
	}, connID)
}

// RelayChange fans a document change out to the sender's room, stamped with
// the sender identity and the server time. The sender never gets it back.
func (r *Registry) RelayChange(connID string, change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.lookupLocked(connID, TypeDocumentChange)
	if !ok {
		return
	}
	if change.Cursor != nil {
		pos := *change.Cursor
		conn.Cursor = &pos
	}
	r.router.broadcastLocked(conn.DocumentID, TypeDocumentUpdated, DocumentUpdated{
		Type:        TypeDocumentUpdated,
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
		Change:      change,
		Timestamp:   r.now().UTC(),
	}, connID)
}

func (r *Registry) RelayTyping(connID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.lookupLocked(connID, TypeTypingStart)
	if !ok {
		return
	}
	t := TypeUserStoppedTyping
	if typing {
		t = TypeUserTyping
	}
	r.router.broadcastLocked(conn.DocumentID, t, UserTyping{
		Type:        t,
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
	}, connID)
}

// Connection returns a copy of the registered connection.
func (r *Registry) Connection(connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	cp := *conn
	if conn.Cursor != nil {
		pos := *conn.Cursor
		cp.Cursor = &pos
	}
	cp.transport = nil
	return cp, true
}

func (r *Registry) Rooms() []RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]RoomSummary, 0, len(r.rooms))
	for id, room := range r.rooms {
		rooms = append(rooms, RoomSummary{DocumentID: id, Users: len(room.members)})
	}
	return rooms
}

// Close drops every connection without announcing departures and closes the
// transports. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		if err := conn.transport.Close(); err != nil {
			r.log.WithError(err).WithField("connection_id", id).Debug("Failed to close transport")
		}
	}
	metrics.ActiveConnections.Sub(float64(len(r.conns)))
	metrics.ActiveRooms.Sub(float64(len(r.rooms)))
	r.conns = make(map[string]*Connection)
	r.rooms = make(map[string]*Room)
}

func (r *Registry) lookupLocked(connID string, t MessageType) (*Connection, bool) {
	conn, ok := r.conns[connID]
	if !ok {
		metrics.DiscardedMessages.WithLabelValues("stale-connection").Inc()
		r.log.WithFields(logrus.Fields{
			"connection_id": connID,
			"type":          t,
		}).Debug("Message for unknown connection dropped")
	}
	return conn, ok
}

// leaveLocked removes conn and tells the rest of its room.
func (r *Registry) leaveLocked(conn *Connection) {
	if !r.removeLocked(conn) {
		return
	}
	log := r.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"document_id":   conn.DocumentID,
		"user_id":       conn.UserID,
	})
	if _, ok := r.rooms[conn.DocumentID]; !ok {
		log.Info("Last connection left, room removed")
		return
	}
	log.Info("Connection left document room")
	r.router.broadcastLocked(conn.DocumentID, TypeUserLeft, UserLeft{Type: TypeUserLeft, UserID: conn.UserID, ConnectionID: conn.ID}, conn.ID)
}

// removeLocked unregisters conn, deleting its room once empty. It reports
// false when conn was no longer registered.
func (r *Registry) removeLocked(conn *Connection) bool {
	if r.conns[conn.ID] != conn {
		return false
	}
	delete(r.conns, conn.ID)
	metrics.ActiveConnections.Dec()

	room, ok := r.rooms[conn.DocumentID]
	if !ok {
		return true
	}
	delete(room.members, conn.ID)
	if len(room.members) == 0 {
		delete(r.rooms, conn.DocumentID)
		metrics.ActiveRooms.Dec()
	}
	return true
}

func (r *Registry) sendLocked(conn *Connection, t MessageType, msg any) error {
	frame, err := encode(t, msg)
	if err != nil {
		return err
	}
	return conn.transport.Send(frame)
}
