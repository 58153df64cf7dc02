package client

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docs-collab-server/collab"
)

type Options struct {
	// URL of the collaboration endpoint, e.g. ws://localhost:3002/ws/collaboration.
	URL         string
	DocumentID  string
	UserID      string
	DisplayName string
	// Token is sent as a bearer header and in the join message.
	Token string

	Backoff Backoff
	// TypingIdle is how long after the last NotifyTyping a typing-stop is sent.
	TypingIdle   time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *logrus.Entry

	// Callbacks run on the session's reader goroutine, in arrival order.
	OnDocumentUpdated func(collab.DocumentUpdated)
	OnCursorUpdated   func(collab.CursorUpdated)
	OnUserJoined      func(collab.PresenceEntry)
	OnUserLeft        func(userID string)
	OnError           func(collab.ErrorMessage)
	OnStateChange     func(connected bool)
}

func (o Options) withDefaults() Options {
	if o.Backoff.isZero() {
		o.Backoff = DefaultBackoff()
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "client")
	}
	return o
}
