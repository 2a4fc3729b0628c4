package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/relaydrop/limits"
)

// MessageType identifies a control message on the wire.
type MessageType string

const (
	// Relay session messages
	MessageJoin       MessageType = "join"
	MessageJoined     MessageType = "joined"
	MessagePeerJoined MessageType = "peer-joined"
	MessagePeerLeft   MessageType = "peer-left"
	MessageError      MessageType = "error"

	// Negotiation messages
	MessageOffer             MessageType = "offer"
	MessageAnswer            MessageType = "answer"
	MessageICECandidate      MessageType = "ice-candidate"
	MessageICERestartRequest MessageType = "ice-restart-request"
	MessageNATInfo           MessageType = "nat-info"

	// Transfer messages
	MessageReceiverReady    MessageType = "receiver-ready"
	MessageReceiverFatal    MessageType = "receiver-fatal"
	MessageTransferStart    MessageType = "transfer-start"
	MessageChunkMeta        MessageType = "chunk-meta"
	MessageAck              MessageType = "ack"
	MessageNack             MessageType = "nack"
	MessageTransferEnd      MessageType = "transfer-end"
	MessageVerifyOK         MessageType = "verify-ok"
	MessageVerifyFail       MessageType = "verify-fail"
	MessageTransferComplete MessageType = "transfer-complete"
	MessageCancel           MessageType = "cancel"
)

// ErrUnknownMessage indicates a control message with an unrecognised type.
var ErrUnknownMessage = errors.New("unknown message type")

var knownTypes = map[MessageType]struct{}{
	MessageJoin: {}, MessageJoined: {}, MessagePeerJoined: {}, MessagePeerLeft: {}, MessageError: {},
	MessageOffer: {}, MessageAnswer: {}, MessageICECandidate: {}, MessageICERestartRequest: {}, MessageNATInfo: {},
	MessageReceiverReady: {}, MessageReceiverFatal: {}, MessageTransferStart: {}, MessageChunkMeta: {},
	MessageAck: {}, MessageNack: {}, MessageTransferEnd: {}, MessageVerifyOK: {}, MessageVerifyFail: {},
	MessageTransferComplete: {}, MessageCancel: {},
}

// Message is the JSON envelope for every control message. Chunk payloads
// travel as separate binary frames.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message, encoding payload when it is non-nil.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Serialize converts a message to its wire form.
func (m *Message) Serialize() ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("message type is empty")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateControlMessage(data); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ParseMessage converts wire bytes to a Message.
func ParseMessage(data []byte) (*Message, error) {
	if err := limits.ValidateControlMessage(data); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return &msg, nil
}

// Role names the side of a session.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// DataPlane names the channel chunk payloads travel over.
type DataPlane string

const (
	PlaneRelay   DataPlane = "relay"
	PlaneDirect  DataPlane = "direct"
	PlaneStorage DataPlane = "storage"
)

// Join asks the relay to attach this connection to a session.
type Join struct {
	Code string `json:"code"`
	Role Role   `json:"role"`
}

// Joined confirms a join.
type Joined struct {
	PeerID      string `json:"peerId"`
	PeerPresent bool   `json:"peerPresent"`
}

// ErrorInfo is sent by the relay when it rejects a request.
type ErrorInfo struct {
	Reason string `json:"reason"`
}

// Description carries a session descriptor for offer and answer.
type Description struct {
	Type       string `json:"type"`
	SDP        string `json:"sdp"`
	ICERestart bool   `json:"iceRestart,omitempty"`
}

// Candidate carries one trickled address candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NATInfo shares a local NAT assessment with the peer.
type NATInfo struct {
	Class string `json:"class"`
	Score int    `json:"score"`
	Role  Role   `json:"role"`
}

// TransferStart announces the file.
type TransferStart struct {
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	TotalChunks int       `json:"totalChunks"`
	ChunkSize   int       `json:"chunkSize"`
	FileDigest  string    `json:"fileDigest,omitempty"`
	DataPlane   DataPlane `json:"dataPlane"`
}

// ChunkMeta precedes every chunk payload.
type ChunkMeta struct {
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	Size        int    `json:"size"`
	Digest      string `json:"digest"`
	Retry       bool   `json:"retry"`
}

// Ack acknowledges one verified chunk.
type Ack struct {
	Index int `json:"index"`
}

// Nack requests retransmission of the listed chunks.
type Nack struct {
	Missing []int `json:"missing"`
}

// TransferEnd signals that every chunk has been sent.
type TransferEnd struct {
	TotalChunks int `json:"totalChunks"`
}

// VerifyOK reports a finalized and verified transfer.
type VerifyOK struct {
	Digest        string `json:"digest,omitempty"`
	IntegrityMode string `json:"integrityMode"`
}

// VerifyFail reports a failed finalize.
type VerifyFail struct {
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Fatal carries a reason for receiver-fatal and cancel.
type Fatal struct {
	Reason string `json:"reason"`
}
