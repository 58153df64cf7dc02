package collab

import (
	"github.com/sirupsen/logrus"

	"docs-collab-server/metrics"
)

// Relay carries room traffic between server instances sharing the same rooms.
type Relay interface {
	Publish(documentID string, f Frame)
}

// Router fans messages out to the members of a room. It shares the registry
// lock, so dispatch order is the order in which broadcasts were accepted.
type Router struct {
	registry *Registry
	relay    Relay
}

// Broadcast delivers msg to every member of documentID's room except
// excludeConnID, which may be empty. Members whose transport fails are
// treated as disconnected.
func (rt *Router) Broadcast(documentID string, t MessageType, msg any, excludeConnID string) error {
	frame, err := encode(t, msg)
	if err != nil {
		return err
	}

	rt.registry.mu.Lock()
	defer rt.registry.mu.Unlock()

	rt.dispatchLocked(documentID, frame, excludeConnID)
	rt.publish(documentID, frame)
	return nil
}

// DeliverRemote hands a frame received from another instance to local members.
// It is never republished.
func (rt *Router) DeliverRemote(documentID string, f Frame) {
	rt.registry.mu.Lock()
	defer rt.registry.mu.Unlock()

	metrics.RelayedMessages.WithLabelValues("in").Inc()
	rt.dispatchLocked(documentID, f, "")
}

func (rt *Router) broadcastLocked(documentID string, t MessageType, msg any, excludeConnID string) {
	frame, err := encode(t, msg)
	if err != nil {
		rt.registry.log.WithError(err).WithField("type", t).Error("Failed to encode broadcast")
		return
	}
	rt.dispatchLocked(documentID, frame, excludeConnID)
	rt.publish(documentID, frame)
}

func (rt *Router) publish(documentID string, f Frame) {
	if rt.relay == nil {
		return
	}
	metrics.RelayedMessages.WithLabelValues("out").Inc()
	rt.relay.Publish(documentID, f)
}

func (rt *Router) dispatchLocked(documentID string, f Frame, excludeConnID string) {
	room, ok := rt.registry.rooms[documentID]
	if !ok {
		return
	}
	metrics.MessagesBroadcast.WithLabelValues(string(f.Type)).Inc()

	type failure struct {
		conn *Connection
		err  error
	}
	var failed []failure
	for _, conn := range room.ordered() {
		if conn.ID == excludeConnID {
			continue
		}
		if err := conn.transport.Send(f); err != nil {
			failed = append(failed, failure{conn, err})
		}
	}

	// Dropping a member broadcasts user-left, which may in turn find more
	// dead members. Each connection is removed at most once.
	for _, fl := range failed {
		rt.dropLocked(fl.conn, fl.err)
	}
}

func (rt *Router) dropLocked(conn *Connection, err error) {
	r := rt.registry
	if r.conns[conn.ID] != conn {
		return
	}
	metrics.SendFailures.Inc()
	r.log.WithError(err).WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"document_id":   conn.DocumentID,
	}).Warn("Send failed, dropping connection")

	if cerr := conn.transport.Close(); cerr != nil {
		r.log.WithError(cerr).WithField("connection_id", conn.ID).Debug("Failed to close transport")
	}
	r.leaveLocked(conn)
}
