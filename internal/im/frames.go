package im

import (
	"encoding/json"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// FrameType discriminates frames on the wire.
type FrameType string

const (
	FrameHeartbeat FrameType = "heartbeat"
	FrameAck       FrameType = "ack"
	FrameSystem    FrameType = "system"
	FrameMessage   FrameType = "message"
	FrameLogout    FrameType = "logout"

	// server to client only
	FrameSent  FrameType = "sent"
	FrameError FrameType = "error"
)

// Frame is the JSON envelope exchanged over the transport in both
// directions. Fingerprint is set on pushes that expect an ack and on the ack
// itself.
type Frame struct {
	Type        FrameType       `json:"type"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SendPayload is the body of a client-originated message frame. Exactly one
// of To and GroupID names the target.
type SendPayload struct {
	ClientRef   string             `json:"client_ref,omitempty"`
	To          string             `json:"to,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	MessageType domain.MessageType `json:"message_type,omitempty"`
	Content     string             `json:"content"`
	MediaURL    string             `json:"media_url,omitempty"`
	FileName    string             `json:"file_name,omitempty"`
	FileSize    int64              `json:"file_size,omitempty"`
}

func (p SendPayload) media() domain.Media {
	return domain.Media{URL: p.MediaURL, FileName: p.FileName, FileSize: p.FileSize}
}

// sentReceipt confirms a client-originated message was persisted.
type sentReceipt struct {
	ClientRef string `json:"client_ref,omitempty"`
	MessageID string `json:"message_id"`
}

// errorReply reports why a client frame was rejected.
type errorReply struct {
	ClientRef string `json:"client_ref,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func replyFrame(t FrameType, v any) *Frame {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return &Frame{Type: t, Payload: b}
}
