package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Chat/internal/domain"
)

// MessageType is the wire tag of an envelope.
type MessageType string

const (
	TypePlaintext   MessageType = "PLAINTEXT"
	TypeEncrypted   MessageType = "ENCRYPTED"
	TypeKeyRequest  MessageType = "KEY_REQUEST"
	TypeKeyResponse MessageType = "KEY_RESPONSE"
	TypeSystem      MessageType = "SYSTEM"
	TypeJoin        MessageType = "JOIN"
	TypeLeave       MessageType = "LEAVE"
)

var (
	ErrPayloadMismatch  = errors.New("payload does not match message type")
	ErrUnknownType      = errors.New("unknown message type")
	ErrSenderNotAllowed = errors.New("sender not allowed for server message")
)

// Server-originated types carry no sender on the wire.
func (t MessageType) ServerOnly() bool {
	switch t {
	case TypeSystem, TypeJoin, TypeLeave:
		return true
	}
	return false
}

func (t MessageType) Known() bool {
	switch t {
	case TypePlaintext, TypeEncrypted, TypeKeyRequest, TypeKeyResponse, TypeSystem, TypeJoin, TypeLeave:
		return true
	}
	return false
}

// Payload is the closed set of envelope contents. Only the variants in
// this file implement it.
type Payload interface {
	accepts(MessageType) bool
}

type Plaintext struct {
	Content string `json:"content" validate:"required"`
}

type Encrypted struct {
	ContentBase64 string `json:"content_base64" validate:"required,base64"`
	Nonce         string `json:"nonce" validate:"required"`
}

type KeyRequest struct {
	PublicKey string `json:"public_key" validate:"required"`
}

type KeyResponse struct {
	EncryptedSymmetricKey string `json:"encrypted_symmetric_key" validate:"required"`
	CheckMsg              string `json:"check_msg" validate:"required"`
	SenderPublicKey       string `json:"sender_public_key" validate:"required"`
}

type SystemMessage struct {
	Content     string `json:"content" validate:"required"`
	OnlineUsers int    `json:"online_users" validate:"min=0"`
}

// Presence is the content of JOIN and LEAVE.
type Presence struct {
	Content     string `json:"content" validate:"required"`
	OnlineUsers int    `json:"online_users" validate:"min=0"`
}

func (Plaintext) accepts(t MessageType) bool { return t == TypePlaintext }
func (Encrypted) accepts(t MessageType) bool { return t == TypeEncrypted }
func (KeyRequest) accepts(t MessageType) bool { return t == TypeKeyRequest }
func (KeyResponse) accepts(t MessageType) bool { return t == TypeKeyResponse }
func (SystemMessage) accepts(t MessageType) bool { return t == TypeSystem }
func (Presence) accepts(t MessageType) bool { return t == TypeJoin || t == TypeLeave }

// newPayload returns an empty variant for t, used by the decoder.
func newPayload(t MessageType) (Payload, error) {
	switch t {
	case TypePlaintext:
		return &Plaintext{}, nil
	case TypeEncrypted:
		return &Encrypted{}, nil
	case TypeKeyRequest:
		return &KeyRequest{}, nil
	case TypeKeyResponse:
		return &KeyResponse{}, nil
	case TypeSystem:
		return &SystemMessage{}, nil
	case TypeJoin, TypeLeave:
		return &Presence{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *Plaintext:
		return *v
	case *Encrypted:
		return *v
	case *KeyRequest:
		return *v
	case *KeyResponse:
		return *v
	case *SystemMessage:
		return *v
	case *Presence:
		return *v
	}
	return p
}

// Envelope is one immutable chat event. Build it with NewEnvelope.
type Envelope struct {
	seq     uint64
	typ     MessageType
	sender  *domain.PublicUser
	payload Payload
	sentAt  time.Time
	extra   map[string]json.RawMessage
}

// NewEnvelope validates that payload matches typ and freezes extra into
// raw JSON values. seq 0 marks an envelope sent to a single session only.
func NewEnvelope(seq uint64, typ MessageType, payload Payload, sender *domain.PublicUser, sentAt time.Time, extra map[string]any) (Envelope, error) {
	if !typ.Known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, string(typ))
	}
	if payload == nil {
		return Envelope{}, fmt.Errorf("%w: missing payload for %s", ErrPayloadMismatch, typ)
	}
	payload = derefPayload(payload)
	if !payload.accepts(typ) {
		return Envelope{}, fmt.Errorf("%w: %T for %s", ErrPayloadMismatch, payload, typ)
	}
	if err := domain.ValidateStruct(payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	if sender != nil && typ.ServerOnly() {
		return Envelope{}, fmt.Errorf("%w: %s", ErrSenderNotAllowed, typ)
	}
	raw, err := freezeExtra(extra)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		seq:     seq,
		typ:     typ,
		payload: payload,
		sentAt:  sentAt.UTC(),
		extra:   raw,
	}
	if sender != nil {
		u := *sender
		env.sender = &u
	}
	return env, nil
}

func freezeExtra(extra map[string]any) (map[string]json.RawMessage, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		var b []byte
		switch raw := v.(type) {
		case json.RawMessage:
			b = raw
		default:
			m, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("extra %q: %w", k, err)
			}
			b = m
		}
		// Marshal compacts and HTML-escapes, the same form Encode writes.
		canon, err := json.Marshal(json.RawMessage(b))
		if err != nil {
			return nil, fmt.Errorf("extra %q: %w", k, err)
		}
		out[k] = canon
	}
	return out, nil
}

func (e Envelope) Seq() uint64 { return e.seq }
func (e Envelope) Type() MessageType { return e.typ }
func (e Envelope) Payload() Payload { return e.payload }
func (e Envelope) SentAt() time.Time { return e.sentAt }
func (e Envelope) IsZero() bool { return e.typ == "" }
func (e Envelope) HasExtra(k string) bool {
	_, ok := e.extra[k]
	return ok
}

func (e Envelope) Sender() (domain.PublicUser, bool) {
	if e.sender == nil {
		return domain.PublicUser{}, false
	}
	return *e.sender, true
}

// Extra returns a copy of the opaque key-value data.
func (e Envelope) Extra() map[string]json.RawMessage {
	if e.extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(e.extra))
	for k, v := range e.extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ExtraInto decodes one extra entry into v.
func (e Envelope) ExtraInto(key string, v any) error {
	raw, ok := e.extra[key]
	if !ok {
		return fmt.Errorf("extra %q not set", key)
	}
	return json.Unmarshal(raw, v)
}

func (e Envelope) Equal(o Envelope) bool {
	if e.seq != o.seq || e.typ != o.typ || e.payload != o.payload || !e.sentAt.Equal(o.sentAt) {
		return false
	}
	if (e.sender == nil) != (o.sender == nil) {
		return false
	}
	if e.sender != nil && *e.sender != *o.sender {
		return false
	}
	if len(e.extra) != len(o.extra) {
		return false
	}
	for k, v := range e.extra {
		if !bytes.Equal(v, o.extra[k]) {
			return false
		}
	}
	return true
}
