package router

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeInitialState          = "INITIAL_STATE"
	TypeBidUpdate             = "BID_UPDATE"
	TypeTimeExtension         = "TIME_EXTENSION"
	TypeHeartbeat             = "HEARTBEAT"
	TypePong                  = "PONG"
	TypeNewMessage            = "NEW_MESSAGE"
	TypeMessageSent           = "MESSAGE_SENT"
	TypeTypingStatus          = "TYPING_STATUS"
	TypeReadReceipt           = "READ_RECEIPT"
	TypeUserStatus            = "USER_STATUS"
	TypeError                 = "ERROR"
)

// Outbound frame types.
const (
	TypePing        = "PING"
	TypeSendMessage = "SEND_MESSAGE"
	TypeTypingStart = "TYPING_START"
	TypeTypingStop  = "TYPING_STOP"
	TypeMarkRead    = "MARK_READ"
)

// messageEnvelope is used to extract the frame type.
type messageEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorFrame is the payload of an ERROR frame.
type ErrorFrame struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Text returns the human readable part of an ERROR frame.
func (e ErrorFrame) Text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Error != "" {
		return e.Error
	}
	return "server error"
}

// PingFrame is the outbound application-level heartbeat.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// NewPing builds a PING frame stamped with t.
func NewPing(t time.Time) PingFrame {
	return PingFrame{Type: TypePing, Timestamp: t.UnixMilli()}
}
