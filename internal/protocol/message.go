package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
)

type MessageType string

const (
	TypeEdit         MessageType = "EDIT"
	TypeCursor       MessageType = "CURSOR"
	TypeSelection    MessageType = "SELECTION"
	TypeChat         MessageType = "CHAT"
	TypeJoin         MessageType = "JOIN"
	TypeLeave        MessageType = "LEAVE"
	TypeOnlineUsers  MessageType = "ONLINE_USERS"
	TypeNotification MessageType = "NOTIFICATION"
)

var ErrMalformedEnvelope = errors.New("MALFORMED_ENVELOPE")

// Envelope wraps all realtime traffic in both directions.
type Envelope struct {
	Type         MessageType     `json:"type"`
	DocumentID   string          `json:"documentId"`
	SenderUserID uint64          `json:"senderUserId,omitempty"`
	SenderName   string          `json:"senderName,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EditPayload is an Operation, plus the assigned revision on server
// broadcasts (zero on client submissions).
type EditPayload struct {
	ot.Operation
	Version uint64 `json:"version,omitempty"`
}

type CursorPayload struct {
	Position int    `json:"position"`
	Color    string `json:"color,omitempty"`
}

type SelectionPayload struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ParticipantInfo struct {
	UserID         uint64    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	CursorColor    string    `json:"cursorColor,omitempty"`
	CursorPosition int       `json:"cursorPosition"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type RosterPayload struct {
	Users []ParticipantInfo `json:"users"`
}

// SnapshotPayload carries the full authoritative state, sent to joiners
// and on forced resync.
type SnapshotPayload struct {
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// AckPayload maps a client's locally-tagged submission to the revision the
// server assigned it.
type AckPayload struct {
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
	Version   uint64 `json:"version"`
}

// JoinPayload is the optional body of a client JOIN.
type JoinPayload struct {
	CursorColor string `json:"cursorColor,omitempty"`
}

// NotificationPayload is the body of every NOTIFICATION envelope. Event is
// one of "welcome", "ack", "error", "resync".
type NotificationPayload struct {
	Event    string           `json:"event"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
	Ack      *AckPayload      `json:"ack,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
}

func knownType(t MessageType) bool {
	switch t {
	case TypeEdit, TypeCursor, TypeSelection, TypeChat,
		TypeJoin, TypeLeave, TypeOnlineUsers, TypeNotification:
		return true
	}
	return false
}

// Validate checks envelope well-formedness only; business rules live in
// the room.
func (e *Envelope) Validate() error {
	if !knownType(e.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	if e.DocumentID == "" {
		return fmt.Errorf("%w: missing documentId", ErrMalformedEnvelope)
	}
	return nil
}

func (e *Envelope) Edit() (EditPayload, error) {
	var p EditPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: bad EDIT payload: %v", ErrMalformedEnvelope, err)
	}
	if err := p.Operation.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if p.ClientID == "" {
		return p, fmt.Errorf("%w: EDIT payload missing clientId", ErrMalformedEnvelope)
	}
	return p, nil
}

func (e *Envelope) Cursor() (CursorPayload, error) {
	var p CursorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: bad CURSOR payload: %v", ErrMalformedEnvelope, err)
	}
	return p, nil
}

func (e *Envelope) Selection() (SelectionPayload, error) {
	var p SelectionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: bad SELECTION payload: %v", ErrMalformedEnvelope, err)
	}
	return p, nil
}

func (e *Envelope) Chat() (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: bad CHAT payload: %v", ErrMalformedEnvelope, err)
	}
	return p, nil
}

// New builds an outbound envelope. Marshaling a local payload struct
// cannot fail, so errors are swallowed here.
func New(t MessageType, docID string, senderID uint64, senderName string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Envelope{
		Type:         t,
		DocumentID:   docID,
		SenderUserID: senderID,
		SenderName:   senderName,
		Payload:      raw,
		Timestamp:    time.Now(),
	}
}
