package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/stretchr/testify/require"
)

var testSentAt = time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)

func testUser(t *testing.T, name string) domain.PublicUser {
	t.Helper()
	u, err := domain.NewGuest(name)
	require.NoError(t, err)
	return u
}

func TestEncodeDecode_RoundTripsEveryVariant(t *testing.T) {
	alice := testUser(t, "alice")
	cases := []struct {
		name    string
		typ     MessageType
		payload Payload
		sender  *domain.PublicUser
		extra   map[string]any
	}{
		{"plaintext", TypePlaintext, Plaintext{Content: "hi"}, &alice, map[string]any{"reply_to": 3}},
		{"encrypted", TypeEncrypted, Encrypted{ContentBase64: "aGVsbG8=", Nonce: "n1"}, &alice, nil},
		{"key request", TypeKeyRequest, KeyRequest{PublicKey: "pk"}, &alice, nil},
		{"key response", TypeKeyResponse, KeyResponse{EncryptedSymmetricKey: "k", CheckMsg: "c", SenderPublicKey: "spk"}, &alice, nil},
		{"system", TypeSystem, SystemMessage{Content: "People Online", OnlineUsers: 2}, nil, map[string]any{"users": []string{"a", "b"}}},
		{"join", TypeJoin, Presence{Content: "User alice joined", OnlineUsers: 1}, nil, map[string]any{"user": alice}},
		{"leave", TypeLeave, Presence{Content: "User alice left", OnlineUsers: 0}, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			env, err := NewEnvelope(7, tc.typ, tc.payload, tc.sender, testSentAt, tc.extra)
			req.NoError(err)

			raw, err := Encode(env)
			req.NoError(err)

			got, err := Decode(raw)
			req.NoError(err)
			req.True(env.Equal(got), "round trip changed %s", raw)
		})
	}
}

func TestEncode_WireShape(t *testing.T) {
	req := require.New(t)
	alice := testUser(t, "alice")
	env, err := NewEnvelope(3, TypePlaintext, Plaintext{Content: "hello"}, &alice, testSentAt, nil)
	req.NoError(err)

	raw, err := Encode(env)
	req.NoError(err)

	var m map[string]json.RawMessage
	req.NoError(json.Unmarshal(raw, &m))
	req.JSONEq(`"PLAINTEXT"`, string(m["type"]))
	req.JSONEq(`3`, string(m["seq"]))
	req.JSONEq(`{"content":"hello"}`, string(m["content"]))
	req.JSONEq(`"2026-03-01T10:30:00.123456789Z"`, string(m["send_at"]))
	req.Contains(m, "sender")
	req.NotContains(m, "data")
}

func TestNewEnvelope_RejectsMismatchedPayload(t *testing.T) {
	req := require.New(t)

	_, err := NewEnvelope(1, TypePlaintext, KeyRequest{PublicKey: "pk"}, nil, testSentAt, nil)
	req.ErrorIs(err, ErrPayloadMismatch)

	_, err = NewEnvelope(1, TypePlaintext, Plaintext{}, nil, testSentAt, nil)
	req.ErrorIs(err, ErrPayloadMismatch)

	_, err = NewEnvelope(1, MessageType("VOICE"), Plaintext{Content: "x"}, nil, testSentAt, nil)
	req.ErrorIs(err, ErrUnknownType)
}

func TestNewEnvelope_ServerTypesCarryNoSender(t *testing.T) {
	alice := testUser(t, "alice")
	_, err := NewEnvelope(1, TypeJoin, Presence{Content: "x"}, &alice, testSentAt, nil)
	require.ErrorIs(t, err, ErrSenderNotAllowed)
}

func TestEnvelope_ExtraIsCopied(t *testing.T) {
	req := require.New(t)
	env, err := NewEnvelope(1, TypePlaintext, Plaintext{Content: "x"}, nil, testSentAt, map[string]any{"k": "v"})
	req.NoError(err)

	extra := env.Extra()
	extra["k"] = json.RawMessage(`"changed"`)

	var v string
	req.NoError(env.ExtraInto("k", &v))
	req.Equal("v", v)
	req.Error(env.ExtraInto("missing", &v))
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"type":`,
		"unknown type":      `{"type":"VOICE","seq":1,"content":{"content":"x"},"send_at":"2026-03-01T10:30:00Z"}`,
		"missing content":   `{"type":"PLAINTEXT","seq":1,"send_at":"2026-03-01T10:30:00Z"}`,
		"wrong shape":       `{"type":"PLAINTEXT","seq":1,"content":{"public_key":"pk"},"send_at":"2026-03-01T10:30:00Z"}`,
		"missing timestamp": `{"type":"PLAINTEXT","seq":1,"content":{"content":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			require.ErrorIs(t, err, ErrDecode)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
		})
	}
}

func TestDecodeInbound(t *testing.T) {
	req := require.New(t)

	in, err := DecodeInbound([]byte(`{"type":"PLAINTEXT","content":{"content":"hi"},"data":{"client_id":"c1"}}`))
	req.NoError(err)
	req.Equal(TypePlaintext, in.Type)
	req.Equal(Plaintext{Content: "hi"}, in.Payload)
	req.Nil(in.Sender)
	req.Contains(in.Extra, "client_id")

	_, err = DecodeInbound([]byte(`{"type":"JOIN","content":{"content":"x","online_users":1}}`))
	req.ErrorIs(err, ErrDecode)

	_, err = DecodeInbound([]byte(`{"type":"ENCRYPTED","content":{"content_base64":"not base64!","nonce":"n"}}`))
	req.ErrorIs(err, ErrDecode)
	req.ErrorIs(err, ErrPayloadMismatch)
}

func TestEncodeDecode_RoundTripsHTMLInData(t *testing.T) {
	req := require.New(t)
	alice := testUser(t, "alice")

	// Given a client frame whose data carries HTML characters
	in, err := DecodeInbound([]byte(`{"type":"PLAINTEXT","content":{"content":"<i>hi</i>"},"data":{"note":"<b>&"}}`))
	req.NoError(err)
	env, err := NewEnvelope(4, in.Type, in.Payload, &alice, testSentAt, in.Extra)
	req.NoError(err)

	// When it goes over the wire and back
	wire, err := Encode(env)
	req.NoError(err)
	got, err := Decode(wire)
	req.NoError(err)

	// Then nothing changed
	req.True(env.Equal(got), "wire: %s", wire)
	var note string
	req.NoError(got.ExtraInto("note", &note))
	req.Equal("<b>&", note)

	again, err := Encode(got)
	req.NoError(err)
	req.Equal(string(wire), string(again))
}
