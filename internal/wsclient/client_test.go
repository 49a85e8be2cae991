package wsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	u, err := URL("ws://localhost:8080/ws", "dev 1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?deviceId=dev+1", u)

	u, err = URL("ws://localhost:8080/ws?deviceId=old&x=1", "new")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?deviceId=new&x=1", u)

	_, err = URL("://bad", "d")
	assert.Error(t, err)
}

func TestFrameDecode(t *testing.T) {
	var v struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, Frame{Event: "session_created", Data: []byte(`{"session_id":"abc"}`)}.Decode(&v))
	assert.Equal(t, "abc", v.SessionID)

	assert.Error(t, Frame{Event: "pong"}.Decode(&v))
}
