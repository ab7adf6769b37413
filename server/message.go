package server

import (
	"encoding/json"
	"time"
)

// Message types exchanged over the websocket.
const (
	MsgSyncStep1  = "sync_step1"
	MsgSyncStep2  = "sync_step2"
	MsgSyncUpdate = "sync_update"
	MsgAwareness  = "awareness_update"
	MsgPong       = "pong"
	MsgUserJoined = "user_joined"
	MsgUserLeft   = "user_left"
	MsgError      = "error"
)

// Application close codes. All three mean "terminal, do not retry
// without a new token".
const (
	CloseAuthFailed   = 4001
	CloseAccessDenied = 4003
	CloseUserNotFound = 4004
)

// ClientMessage is a message from client to server. Update carries an
// opaque base64 payload; Awareness is passed through uninterpreted
// except for the cursor position.
type ClientMessage struct {
	Type       string                 `json:"type"`
	DocumentID string                 `json:"document_id,omitempty"`
	Update     string                 `json:"update,omitempty"`
	Awareness  map[string]interface{} `json:"awareness,omitempty"`
}

// UserInfo describes an editor in presence announcements.
type UserInfo struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	CursorColor string `json:"cursor_color"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type       string                 `json:"type"`
	DocumentID string                 `json:"document_id,omitempty"`
	User       *UserInfo              `json:"user,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Username   string                 `json:"username,omitempty"`
	State      string                 `json:"state,omitempty"`
	Version    int                    `json:"version,omitempty"`
	Update     string                 `json:"update,omitempty"`
	Awareness  map[string]interface{} `json:"awareness,omitempty"`
	Timestamp  string                 `json:"timestamp,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Code       int                    `json:"code,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
