package collab

import (
	"encoding/json"
	"time"
)

type MessageType string

// Client to server.
const (
	TypeJoin           MessageType = "join"
	TypeLeave          MessageType = "leave"
	TypeDocumentChange MessageType = "document-change"
	TypeCursorUpdate   MessageType = "cursor-update"
	TypeTypingStart    MessageType = "typing-start"
	TypeTypingStop     MessageType = "typing-stop"
)

// Server to client.
const (
	TypeRoomUsers         MessageType = "room-users"
	TypeUserJoined        MessageType = "user-joined"
	TypeUserLeft          MessageType = "user-left"
	TypeDocumentUpdated   MessageType = "document-updated"
	TypeCursorUpdated     MessageType = "cursor-updated"
	TypeUserTyping        MessageType = "user-typing"
	TypeUserStoppedTyping MessageType = "user-stopped-typing"
	TypeError             MessageType = "error"
)

// InboundTypes lists every message a client may send.
var InboundTypes = []MessageType{
	TypeJoin,
	TypeLeave,
	TypeDocumentChange,
	TypeCursorUpdate,
	TypeTypingStart,
	TypeTypingStop,
}

// Error reasons carried by TypeError frames.
const (
	ReasonNotFound     = "not-found"
	ReasonAccessDenied = "access-denied"
	ReasonUnauthorized = "unauthorized"
	ReasonInvalidJoin  = "invalid-join"
	ReasonUnavailable  = "unavailable"
)

// CursorPosition is relayed verbatim; the server never interprets it.
type CursorPosition struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

type PresenceEntry struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Change is the editable payload of a document-change. Exactly one of Content
// (full text) or Delta (opaque editor delta) is expected; both are relayed as is.
type Change struct {
	Content *string         `json:"content,omitempty"`
	Delta   json.RawMessage `json:"delta,omitempty"`
	Cursor  *CursorPosition `json:"cursor,omitempty"`
}

func (c Change) empty() bool {
	return c.Content == nil && len(c.Delta) == 0
}

type (
	JoinRequest struct {
		Type        MessageType `json:"type"`
		DocumentID  string      `json:"documentId"`
		UserID      string      `json:"userId"`
		DisplayName string      `json:"displayName"`
		Token       string      `json:"token,omitempty"`
	}

	DocumentChange struct {
		Type MessageType `json:"type"`
		Change
	}

	CursorUpdate struct {
		Type   MessageType     `json:"type"`
		Cursor *CursorPosition `json:"cursor"`
	}
)

type (
	RoomUsers struct {
		Type  MessageType     `json:"type"`
		Users []PresenceEntry `json:"users"`
	}

	UserJoined struct {
		Type MessageType   `json:"type"`
		User PresenceEntry `json:"user"`
	}

	UserLeft struct {
		Type         MessageType `json:"type"`
		UserID       string      `json:"userId"`
		ConnectionID string      `json:"connectionId,omitempty"`
	}

	DocumentUpdated struct {
		Type        MessageType `json:"type"`
		UserID      string      `json:"userId"`
		DisplayName string      `json:"displayName"`
		Change
		Timestamp time.Time `json:"timestamp"`
	}

	CursorUpdated struct {
		Type        MessageType    `json:"type"`
		UserID      string         `json:"userId"`
		DisplayName string         `json:"displayName"`
		Cursor      CursorPosition `json:"cursor"`
	}

	UserTyping struct {
		Type        MessageType `json:"type"`
		UserID      string      `json:"userId"`
		DisplayName string      `json:"displayName,omitempty"`
	}

	ErrorMessage struct {
		Type    MessageType `json:"type"`
		Reason  string      `json:"reason"`
		Message string      `json:"message,omitempty"`
	}
)

// Frame is an encoded server message ready for any transport.
type Frame struct {
	Type MessageType
	Data []byte
}

func encode(t MessageType, msg any) (Frame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Data: data}, nil
}

func NewErrorFrame(reason, message string) Frame {
	// ErrorMessage always marshals.
	f, _ := encode(TypeError, ErrorMessage{Type: TypeError, Reason: reason, Message: message})
	return f
}

func messageType(raw []byte) (MessageType, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}
