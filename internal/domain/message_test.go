package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDelivery_IdempotencyKey(t *testing.T) {
	d := Delivery{ID: "msg-1", Body: []byte(`{"a":1}`)}
	require.Equal(t, "msg-1", d.IdempotencyKey())

	// Redelivery keeps the queue id even with a new ack token.
	d.AckToken = "rh-2"
	d.Attempt = 2
	require.Equal(t, "msg-1", d.IdempotencyKey())
}

func TestDelivery_IdempotencyKeyFallsBackToBodyHash(t *testing.T) {
	body := []byte(`{"user_id":"u1","text":"hello"}`)
	sum := sha256.Sum256(body)

	a := Delivery{Body: body}
	b := Delivery{Body: append([]byte(nil), body...), Attempt: 3}
	require.Equal(t, "sha256-"+hex.EncodeToString(sum[:]), a.IdempotencyKey())
	require.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	require.NotEqual(t, a.IdempotencyKey(), Delivery{Body: []byte(`{}`)}.IdempotencyKey())
}

func TestRoleVocabulary_Label(t *testing.T) {
	v := RoleVocabulary{User: "Human", Assistant: "Assistant"}
	require.Equal(t, "Human", v.Label(RoleUser))
	require.Equal(t, "Assistant", v.Label(RoleAssistant))
}
