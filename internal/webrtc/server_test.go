package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer(nil, 4, nil)

	_, err := s.HandleOffer([]byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse offer")

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	require.Error(t, err)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer([]string{"stun:127.0.0.1:3478"}, 0, nil)
	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestSendEventWithoutClients(t *testing.T) {
	s := NewServer(nil, 4, nil)
	s.SendEvent([]byte(`{"frame_number":1}`))
	assert.Empty(t, s.GetClientStats())
	s.RemoveClient("missing")
	require.NoError(t, s.Close())
}
