package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Chat/internal/domain"
)

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("decode error")

// DecodeError reports why an inbound frame was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EndMarker terminates a long-poll stream.
const EndMarker = "END"

// wireEnvelope fixes the field order written by Encode.
type wireEnvelope struct {
	Type    MessageType                `json:"type"`
	Seq     uint64                     `json:"seq"`
	Content json.RawMessage            `json:"content"`
	SendAt  time.Time                  `json:"send_at"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Sender  *domain.PublicUser         `json:"sender,omitempty"`
}

func Encode(e Envelope) ([]byte, error) {
	if e.IsZero() {
		return nil, errors.New("encode: zero envelope")
	}
	content, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return json.Marshal(wireEnvelope{
		Type:    e.typ,
		Seq:     e.seq,
		Content: content,
		SendAt:  e.sentAt.UTC(),
		Data:    e.extra,
		Sender:  e.sender,
	})
}

func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	payload, err := decodeContent(w.Type, w.Content)
	if err != nil {
		return Envelope{}, err
	}
	if w.SendAt.IsZero() {
		return Envelope{}, &DecodeError{Reason: "missing send_at"}
	}
	extra := make(map[string]any, len(w.Data))
	for k, v := range w.Data {
		extra[k] = v
	}
	env, err := NewEnvelope(w.Seq, w.Type, payload, w.Sender, w.SendAt, extra)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid envelope", Err: err}
	}
	return env, nil
}

func decodeContent(t MessageType, raw json.RawMessage) (Payload, error) {
	payload, err := newPayload(t)
	if err != nil {
		return nil, &DecodeError{Reason: "unknown type", Err: err}
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &DecodeError{Reason: "missing content", Err: ErrPayloadMismatch}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, &DecodeError{Reason: "content does not match type", Err: fmt.Errorf("%w: %v", ErrPayloadMismatch, err)}
	}
	return derefPayload(payload), nil
}

// Inbound is a client-submitted message before the room assigns a
// sequence number, timestamp and sender.
type Inbound struct {
	Type    MessageType
	Payload Payload
	Extra   map[string]any
	// Sender is the identity the client claims, if any.
	Sender *domain.PublicUser
}

type wireInbound struct {
	Type    MessageType                `json:"type"`
	Content json.RawMessage            `json:"content"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Sender  *domain.PublicUser         `json:"sender,omitempty"`
}

// DecodeInbound parses a frame submitted over WebSocket or the send
// endpoint. Server-only types are rejected.
func DecodeInbound(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if w.Type.ServerOnly() {
		return Inbound{}, &DecodeError{Reason: "type not accepted from clients", Err: fmt.Errorf("%w: %s", ErrUnknownType, w.Type)}
	}
	payload, err := decodeContent(w.Type, w.Content)
	if err != nil {
		return Inbound{}, err
	}
	if err := domain.ValidateStruct(payload); err != nil {
		return Inbound{}, &DecodeError{Reason: "invalid content", Err: fmt.Errorf("%w: %v", ErrPayloadMismatch, err)}
	}
	in := Inbound{Type: w.Type, Payload: payload, Sender: w.Sender}
	if len(w.Data) > 0 {
		in.Extra = make(map[string]any, len(w.Data))
		for k, v := range w.Data {
			in.Extra[k] = v
		}
	}
	return in, nil
}
