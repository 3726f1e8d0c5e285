package transport

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietWebSocket(self string) *WebSocket {
	return NewWebSocket(self, WithWebSocketLogger(slog.New(slog.DiscardHandler)))
}

func TestWebSocket_Exchange(t *testing.T) {
	server := quietWebSocket("server")
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	client := quietWebSocket("client")
	defer client.Close()

	var atServer, atClient inbox
	require.NoError(t, server.Join("s", atServer.handler))
	require.NoError(t, client.Join("s", atClient.handler))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := client.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	assert.Equal(t, "server", peer)

	require.Eventually(t, func() bool {
		return len(server.Peers()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"client"}, server.Peers())

	require.NoError(t, client.Broadcast("s", []byte("up")))
	require.NoError(t, server.Send("s", "client", []byte("down")))
	require.NoError(t, client.Broadcast("unjoined", []byte("ignored")))

	require.Eventually(t, func() bool {
		return len(atServer.all()) == 1 && len(atClient.all()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"client:up"}, atServer.all())
	assert.Equal(t, []string{"server:down"}, atClient.all())
}

func TestWebSocket_SendUnknownPeer(t *testing.T) {
	w := quietWebSocket("a")
	defer w.Close()
	assert.Error(t, w.Send("s", "nobody", []byte("x")))
}
