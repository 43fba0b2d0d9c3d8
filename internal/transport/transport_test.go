package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceivesHandlerReply(t *testing.T) {
	server := New("server", "testnet", nil)
	server.RegisterHandler("ping", func(ctx context.Context, peerID string, body []byte) ([]byte, error) {
		return []byte("pong:" + peerID), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.Listen(ctx, "127.0.0.1:0"))
	defer server.Close()

	addr := server.listener.Addr().String()
	client := New("client", "testnet", MapAddressBook{"server": addr})

	reply, err := client.Send(context.Background(), "server", "ping", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "pong:client", string(reply))
}

func TestSendFailsWithUnknownAddress(t *testing.T) {
	client := New("client", "testnet", MapAddressBook{})
	_, err := client.Send(context.Background(), "ghost", "ping", nil)
	assert.Error(t, err)
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	raw := encodeEnvelope("testnet/ping", "peer-a", []byte(`{"x":1}`))
	protocol, peerID, body, err := decodeEnvelope(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "testnet/ping", protocol)
	assert.Equal(t, "peer-a", peerID)
	assert.Equal(t, `{"x":1}`, string(body))
}
