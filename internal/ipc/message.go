// Package ipc is the best-effort message channel between the foreground
// process and the background worker: newline-delimited JSON over a Unix
// domain socket, one request and one reply per connection.
package ipc

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vburojevic/rtckeep/internal/domain"
)

// MessageType names a message.
type MessageType string

const (
	TypeUpdateEndpoint     MessageType = "updateEndpoint"
	TypeStop               MessageType = "stop"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
	TypeCallForwarded      MessageType = "callForwardedToMainApp"
	TypeForceOpenApp       MessageType = "forceOpenApp"
	TypeNotificationAction MessageType = "notificationAction"
	TypeForceReconnect     MessageType = "forceReconnect"
	TypeAck                MessageType = "ack"
	TypeError              MessageType = "error"
)

// Message is one line on the wire.
type Message struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	ReplyTo string      `json:"reply_to,omitempty"`

	Endpoint *domain.Endpoint `json:"endpoint,omitempty"`
	Call     *CallPayload     `json:"call,omitempty"`
	Action   *ActionPayload   `json:"action,omitempty"`
	Status   json.RawMessage  `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// CallPayload carries callForwardedToMainApp and forceOpenApp.
type CallPayload struct {
	CallID    string               `json:"call_id"`
	Caller    string               `json:"caller"`
	Direction domain.CallDirection `json:"direction,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"` // Unix ms
}

// ActionPayload carries a notification action.
type ActionPayload struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
}

// NewMessage stamps a fresh id on a message of type t.
func NewMessage(t MessageType) Message {
	return Message{ID: uuid.NewString(), Type: t}
}

// Reply builds a reply of type t to m.
func (m Message) Reply(t MessageType) Message {
	r := NewMessage(t)
	r.ReplyTo = m.ID
	return r
}

// ErrorReply answers m with err's text.
func (m Message) ErrorReply(err error) Message {
	r := m.Reply(TypeError)
	r.Error = err.Error()
	return r
}

// Pong answers a ping with status encoded as JSON.
func (m Message) Pong(status any) (Message, error) {
	b, err := json.Marshal(status)
	if err != nil {
		return Message{}, err
	}
	r := m.Reply(TypePong)
	r.Status = b
	return r, nil
}

// CallForwarded builds the forwarded-call announcement for d.
func CallForwarded(d domain.ForwardedCallDescriptor) Message {
	m := NewMessage(TypeCallForwarded)
	m.Call = &CallPayload{
		CallID:    d.CallID,
		Caller:    d.Caller,
		Direction: d.Direction,
		Timestamp: d.Timestamp.UnixMilli(),
	}
	return m
}

// Descriptor converts a callForwardedToMainApp payload back.
func (p CallPayload) Descriptor() domain.ForwardedCallDescriptor {
	return domain.ForwardedCallDescriptor{
		CallID:    p.CallID,
		Caller:    p.Caller,
		Direction: p.Direction,
		State:     domain.HandoffAnnounced,
		Timestamp: time.UnixMilli(p.Timestamp),
	}
}

// Socket file names under the runtime directory.
const (
	WorkerSocketName = "worker.sock"
	AppSocketName    = "app.sock"
)

func WorkerSocket(runtimeDir string) string { return filepath.Join(runtimeDir, WorkerSocketName) }

func AppSocket(runtimeDir string) string { return filepath.Join(runtimeDir, AppSocketName) }
