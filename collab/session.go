package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"docs-collab-server/auth"
	"docs-collab-server/core"
	"docs-collab-server/metrics"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidJoin      = errors.New("documentId and userId are required")
	ErrUnavailable      = errors.New("access check unavailable")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNotJoined        = errors.New("not joined to a document")
	ErrSessionClosed    = errors.New("session closed")
	ErrTransportFailed  = errors.New("transport failed during join")
)

// ReasonOf maps a join error to the reason carried by its error frame.
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrAccessDenied):
		return ReasonAccessDenied
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrInvalidJoin):
		return ReasonInvalidJoin
	default:
		return ReasonUnavailable
	}
}

type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

type SessionConfig struct {
	Access core.AccessChecker
	// Verifier checks the join token when the transport carries no identity.
	// Nil trusts the userId in the join payload.
	Verifier *auth.Verifier
	// Identity was resolved when the transport was opened and wins over
	// anything in the join payload.
	Identity *auth.Identity
	// DocumentID is used when a join omits documentId.
	DocumentID string
	// Activity, when set, records room activity on every successful join.
	Activity core.RoomRegistry
	Logger   *logrus.Entry
}

// Session runs the protocol for a single transport. Messages of one session
// are handled one at a time; different sessions proceed independently.
type Session struct {
	mu         sync.Mutex
	registry   *Registry
	transport  Transport
	cfg        SessionConfig
	state      State
	documentID string
	closed     bool
	log        *logrus.Entry
}

func NewSession(registry *Registry, t Transport, cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = registry.log
	}
	return &Session{
		registry:  registry,
		transport: t,
		cfg:       cfg,
		log:       log.WithField("connection_id", t.ID()),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DocumentID is the room the session is active in, or empty.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Handle processes one inbound frame. Returned errors describe why a message
// was rejected or discarded; none of them require closing the transport.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	t, err := messageType(raw)
	if err != nil {
		return s.discard(t, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
	}

	switch t {
	case TypeJoin:
		var req JoinRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return s.discard(t, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		}
		_, err := s.Join(ctx, req)
		return err

	case TypeLeave:
		s.Leave()
		return nil

	case TypeDocumentChange:
		var msg DocumentChange
		if err := json.Unmarshal(raw, &msg); err != nil {
			return s.discard(t, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		}
		if msg.Change.empty() {
			return s.discard(t, "malformed", fmt.Errorf("%w: content or delta required", ErrMalformedMessage))
		}
		return s.whenActive(t, func(connID string) {
			s.registry.RelayChange(connID, msg.Change)
		})

	case TypeCursorUpdate:
		var msg CursorUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return s.discard(t, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		}
		if msg.Cursor == nil {
			return s.discard(t, "malformed", fmt.Errorf("%w: cursor required", ErrMalformedMessage))
		}
		return s.whenActive(t, func(connID string) {
			s.registry.UpdateCursor(connID, *msg.Cursor)
		})

	case TypeTypingStart, TypeTypingStop:
		return s.whenActive(t, func(connID string) {
			s.registry.RelayTyping(connID, t == TypeTypingStart)
		})
	}

	return s.discard(t, "unknown-type", fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, t))
}

// Join moves the session into req's room after resolving identity and
// checking access. Rejections are reported to the client as an error frame
// and leave the transport open, so the client may try again.
func (s *Session) Join(ctx context.Context, req JoinRequest) ([]PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = s.cfg.DocumentID
	}
	if s.state == StateActive && s.documentID != documentID {
		s.registry.Leave(s.transport.ID())
		s.documentID = ""
	}
	s.state = StateJoining

	userID, displayName := req.UserID, req.DisplayName
	switch {
	case s.cfg.Identity != nil:
		userID = s.cfg.Identity.UserID
		if s.cfg.Identity.Name != "" {
			displayName = s.cfg.Identity.Name
		}
	case s.cfg.Verifier != nil:
		id, err := s.cfg.Verifier.Verify(req.Token)
		if err != nil {
			s.log.WithError(err).Debug("Join token rejected")
			return nil, s.rejectLocked(ReasonUnauthorized, ErrUnauthorized)
		}
		userID = id.UserID
		if id.Name != "" {
			displayName = id.Name
		}
	}

	if documentID == "" || userID == "" {
		return nil, s.rejectLocked(ReasonInvalidJoin, ErrInvalidJoin)
	}
	if displayName == "" {
		displayName = userID
	}

	log := s.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"user_id":     userID,
	})

	ok, err := s.cfg.Access.HasAccess(ctx, documentID, userID)
	switch {
	case errors.Is(err, core.ErrDocumentNotFound):
		log.Info("Join rejected, document not found")
		return nil, s.rejectLocked(ReasonNotFound, ErrNotFound)
	case err != nil:
		log.WithError(err).Error("Access check failed")
		return nil, s.rejectLocked(ReasonUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err))
	case !ok:
		log.Info("Join rejected, access denied")
		return nil, s.rejectLocked(ReasonAccessDenied, ErrAccessDenied)
	}

	users := s.registry.Join(s.transport, documentID, userID, displayName)
	if users == nil {
		s.state = StateDisconnected
		s.documentID = ""
		return nil, ErrTransportFailed
	}
	s.state = StateActive
	s.documentID = documentID

	if s.cfg.Activity != nil {
		if err := s.cfg.Activity.TouchRoom(ctx, documentID); err != nil {
			log.WithError(err).Warn("Failed to record room activity")
		}
	}
	return users, nil
}

// Leave exits the current room without closing the transport.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLocked()
}

// Close is called once the transport has gone away; it is an implicit leave.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLocked()
	s.closed = true
}

func (s *Session) leaveLocked() {
	s.registry.Leave(s.transport.ID())
	s.state = StateDisconnected
	s.documentID = ""
}

func (s *Session) rejectLocked(reason string, err error) error {
	if s.documentID != "" {
		s.registry.Leave(s.transport.ID())
		s.documentID = ""
	}
	s.state = StateDisconnected
	if sendErr := s.transport.Send(NewErrorFrame(reason, err.Error())); sendErr != nil {
		s.log.WithError(sendErr).Debug("Failed to deliver join rejection")
	}
	return err
}

func (s *Session) whenActive(t MessageType, fn func(connID string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return s.discard(t, "not-joined", ErrNotJoined)
	}
	fn(s.transport.ID())
	return nil
}

func (s *Session) discard(t MessageType, reason string, err error) error {
	metrics.DiscardedMessages.WithLabelValues(reason).Inc()
	s.log.WithError(err).WithField("type", t).Debug("Message discarded")
	return err
}
