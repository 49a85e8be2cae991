package pairing

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	to   string
	data []byte
}

type recordingSender struct {
	sent []sentFrame
	err  error
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentFrame{to: connID, data: data})
	return nil
}

func TestForward_DeliversToPartner(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Pair("a", "b"))
	sender := &recordingSender{}
	relay := NewRelay(tbl, sender)

	payload := map[string]json.RawMessage{
		"type": json.RawMessage(`"offer"`),
		"sdp":  json.RawMessage(`"v=0"`),
	}
	partner, err := relay.Forward("a", payload)
	require.NoError(t, err)
	assert.Equal(t, "b", partner)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "b", sender.sent[0].to)
	assert.JSONEq(t, `{"event":"signal","data":{"type":"offer","sdp":"v=0","from":"a"}}`, string(sender.sent[0].data))
}

func TestForward_NoPartner(t *testing.T) {
	sender := &recordingSender{}
	relay := NewRelay(NewTable(), sender)

	_, err := relay.Forward("a", map[string]json.RawMessage{})
	assert.ErrorIs(t, err, ErrNoPartner)
	assert.Empty(t, sender.sent)
}

func TestForward_SendError(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Pair("a", "b"))
	boom := errors.New("write failed")
	relay := NewRelay(tbl, &recordingSender{err: boom})

	_, err := relay.Forward("a", map[string]json.RawMessage{})
	assert.ErrorIs(t, err, boom)
}
