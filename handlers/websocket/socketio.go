package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"docs-collab-server/auth"
	"docs-collab-server/collab"
	"docs-collab-server/core"
)

type ackInvoker func(payload map[string]any)

// SocketIOConfig wires the socket.io endpoint to the same registry as the
// plain WebSocket endpoint.
type SocketIOConfig struct {
	Registry        *collab.Registry
	Access          core.AccessChecker
	Activity        core.RoomRegistry
	Verifier        *auth.Verifier
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// SetupSocketIO serves the collaboration protocol to socket.io clients. Each
// message type is an event whose first argument is the payload object; a join
// may pass an acknowledgement callback receiving {status, users|reason}.
func SetupSocketIO(cfg SocketIOConfig) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 5000000
	}
	opts.SetMaxHttpBufferSize(maxBytes)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	origins := []any{"tauri://localhost", localhostOrigin}
	for _, o := range cfg.AllowedOrigins {
		origins = append(origins, o)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)
	log := logrus.WithField("component", "socketio")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		t := &socketTransport{socket: socket}
		connLog := log.WithField("connection_id", t.ID())

		var identity *auth.Identity
		if token := handshakeToken(socket.Handshake()); token != "" && cfg.Verifier != nil {
			id, err := cfg.Verifier.Verify(token)
			if err != nil {
				connLog.WithError(err).Info("Rejected socket.io handshake token")
				_ = t.Send(collab.NewErrorFrame(collab.ReasonUnauthorized, "invalid token"))
				_ = t.Close()
				return
			}
			identity = &id
		}

		session := collab.NewSession(cfg.Registry, t, collab.SessionConfig{
			Access:   cfg.Access,
			Verifier: cfg.Verifier,
			Identity: identity,
			Activity: cfg.Activity,
			Logger:   connLog,
		})
		ctx, cancel := context.WithCancel(context.Background())
		connLog.Debug("Socket connected")

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(string(collab.TypeJoin), func(datas ...any) {
			ack, args := extractAck(datas)
			req, err := decodeJoin(args)
			if err != nil {
				_ = t.Send(collab.NewErrorFrame(collab.ReasonInvalidJoin, err.Error()))
				respondWithAck(ack, map[string]any{"status": "error", "reason": collab.ReasonInvalidJoin})
				return
			}

			users, err := session.Join(ctx, req)
			if err != nil {
				connLog.WithError(err).Debug("Join failed")
				respondWithAck(ack, map[string]any{"status": "error", "reason": collab.ReasonOf(err)})
				return
			}
			respondWithAck(ack, map[string]any{"status": "ok", "users": users})
		})

		for _, mt := range collab.InboundTypes {
			if mt == collab.TypeJoin {
				continue
			}
			mt := mt
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(string(mt), func(datas ...any) {
				_, args := extractAck(datas)
				raw, err := frameFromArgs(mt, args)
				if err != nil {
					connLog.WithError(err).WithField("type", mt).Debug("Undecodable socket.io payload")
					return
				}
				if err := session.Handle(ctx, raw); err != nil {
					connLog.WithError(err).Debug("Message not applied")
				}
			})
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			t.closed.Store(true)
			session.Close()
			cancel()
			socket.RemoveAllListeners("")
			connLog.Debug("Socket disconnected")
		})
	})

	return srv
}

// socketTransport emits each frame as an event named after its type.
type socketTransport struct {
	socket *socketio.Socket
	closed atomic.Bool
}

func (t *socketTransport) ID() string { return "sio:" + string(t.socket.Id()) }

func (t *socketTransport) Send(f collab.Frame) error {
	if t.closed.Load() {
		return errClosed
	}
	var payload map[string]any
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		return err
	}
	return t.socket.Emit(string(f.Type), payload)
}

// Close disconnects asynchronously; the disconnect handler re-enters the
// registry and must not run under its lock.
func (t *socketTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		go t.socket.Disconnect(true)
	}
	return nil
}

func decodeJoin(args []any) (collab.JoinRequest, error) {
	var req collab.JoinRequest
	if len(args) == 0 {
		return req, errors.New("join payload is required")
	}
	// Older clients send the bare document id; the user comes from the
	// handshake token.
	if documentID, ok := args[0].(string); ok {
		req.DocumentID = documentID
		return req, nil
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	return req, nil
}

// handshakeToken reads the token a client passed as socket.io auth
// ({token: "..."}), falling back to the Authorization header.
func handshakeToken(h *socketio.Handshake) string {
	if h == nil {
		return ""
	}
	if m, ok := h.Auth.(map[string]any); ok {
		if token, ok := m["token"].(string); ok && token != "" {
			return token
		}
	}
	for key, values := range h.Headers {
		if !strings.EqualFold(key, "Authorization") {
			continue
		}
		for _, v := range values {
			if token, ok := strings.CutPrefix(v, "Bearer "); ok {
				return token
			}
		}
	}
	return ""
}

func frameFromArgs(t collab.MessageType, args []any) ([]byte, error) {
	payload := map[string]any{}
	if len(args) > 0 && args[0] != nil {
		obj, ok := args[0].(map[string]any)
		if !ok {
			return nil, errors.New("payload must be an object")
		}
		for k, v := range obj {
			payload[k] = v
		}
	}
	payload["type"] = t
	return json.Marshal(payload)
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	switch fn := candidate.(type) {
	case nil:
		return nil
	case func(...any):
		return func(payload map[string]any) { fn(payload) }
	case func([]any, error):
		return func(payload map[string]any) { fn([]any{payload}, nil) }
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func || value.Type().IsVariadic() {
		return nil
	}
	typ := value.Type()
	return func(payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		pv := reflect.ValueOf(payload)
		placed := false
		for i := range args {
			in := typ.In(i)
			switch {
			case !placed && pv.Type().AssignableTo(in):
				args[i] = pv
				placed = true
			case !placed && in == reflect.TypeOf([]any(nil)):
				args[i] = reflect.ValueOf([]any{payload})
				placed = true
			default:
				args[i] = reflect.Zero(in)
			}
		}
		value.Call(args)
	}
}

func respondWithAck(ack ackInvoker, payload map[string]any) {
	if ack != nil {
		ack(payload)
	}
}
