package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/render"
	ws "github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"docs-collab-server/auth"
	"docs-collab-server/collab"
	"docs-collab-server/core"
)

var (
	errClosed         = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

type Settings struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	SendBuffer      int
	// AllowedOrigins extends the localhost rule; "*" allows any origin.
	AllowedOrigins []string
}

func DefaultSettings() *Settings {
	return &Settings{
		MaxMessageBytes: 5000000,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		SendBuffer:      256,
	}
}

// OriginAllowed accepts local development origins, the tauri shell, and any
// origin listed in allowed.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	case "tauri":
		return parsed.Hostname() == "localhost"
	}
	return false
}

// Handler serves the collaboration endpoint: one WebSocket per editor,
// JSON frames in both directions, documentId taken from the query string.
type Handler struct {
	registry *collab.Registry
	access   core.AccessChecker
	activity core.RoomRegistry
	verifier *auth.Verifier
	settings *Settings
	upgrader ws.Upgrader
	log      *logrus.Entry
}

// NewHandler creates the WebSocket endpoint. activity and verifier may be nil.
func NewHandler(registry *collab.Registry, access core.AccessChecker, activity core.RoomRegistry, verifier *auth.Verifier, settings *Settings) *Handler {
	if settings == nil {
		settings = DefaultSettings()
	}
	h := &Handler{
		registry: registry,
		access:   access,
		activity: activity,
		verifier: verifier,
		settings: settings,
		log:      logrus.WithField("component", "websocket"),
	}
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no origin.
			return origin == "" || OriginAllowed(origin, settings.AllowedOrigins)
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if h.verifier != nil {
		token, err := auth.TokenFromRequest(r)
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			// The client may still authenticate with the join message.
		case err != nil:
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		default:
			id, err := h.verifier.Verify(token)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}
			identity = &id
		}
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := newConn(wsConn, h.settings)
	documentID := r.URL.Query().Get("documentId")
	log := h.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"document_id":   documentID,
		"remote_addr":   r.RemoteAddr,
	})
	log.Debug("WebSocket connected")

	session := collab.NewSession(h.registry, c, collab.SessionConfig{
		Access:     h.access,
		Verifier:   h.verifier,
		Identity:   identity,
		DocumentID: documentID,
		Activity:   h.activity,
		Logger:     log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.writeLoop(log)
	c.readLoop(ctx, session, log)

	session.Close()
	_ = c.Close()
	<-c.writerDone
	log.Debug("WebSocket disconnected")
}

// conn adapts a gorilla connection to collab.Transport. Send never blocks:
// frames go to a buffered queue drained by writeLoop.
type conn struct {
	id         string
	ws         *ws.Conn
	settings   *Settings
	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn(wsConn *ws.Conn, settings *Settings) *conn {
	return &conn{
		id:         ulid.Make().String(),
		ws:         wsConn,
		settings:   settings,
		out:        make(chan []byte, settings.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(f collab.Frame) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.out <- f.Data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) writeLoop(log *logrus.Entry) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case data := <-c.out:
			if err := c.write(ws.TextMessage, data); err != nil {
				log.WithError(err).Debug("Write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(ws.PingMessage, nil); err != nil {
				log.WithError(err).Debug("Ping failed")
				_ = c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.out:
					if err := c.write(ws.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context, session *collab.Session, log *logrus.Entry) {
	c.ws.SetReadLimit(c.settings.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure, ws.CloseAbnormalClosure) {
				log.WithError(err).Info("Unexpected close")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		if len(data) == 0 {
			continue
		}
		if err := session.Handle(ctx, data); err != nil {
			log.WithError(err).Debug("Message not applied")
		}
	}
}
