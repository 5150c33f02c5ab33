package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
	"github.com/zeusync/paintsync/internal/core/protocol/quic"
	"github.com/zeusync/paintsync/internal/core/protocol/websocket"
)

func startServer(t *testing.T, config Config) *Server {
	t.Helper()
	store := newChunkStore(t)
	engine := NewEngine(store, config.Engine, log.NewNop())
	srv := NewServer(config, engine, store, log.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func receive(t *testing.T, conn protocol.ClientConn) protocol.ServerMessage {
	t.Helper()
	type result struct {
		msg protocol.ServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return protocol.ServerMessage{}
	}
}

func TestServer_WebSocket(t *testing.T) {
	config := DefaultServerConfig()
	config.WebSocketAddr = "127.0.0.1:0"
	srv := startServer(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := fmt.Sprintf("ws://%s/ws", srv.WebSocketAddr())

	alice, err := websocket.Dial(ctx, url, config.WebSocket)
	require.NoError(t, err)
	defer func() { _ = alice.Close() }()
	bob, err := websocket.Dial(ctx, url, config.WebSocket)
	require.NoError(t, err)
	defer func() { _ = bob.Close() }()

	require.Eventually(t, func() bool {
		return srv.Health().Engine.Clients == 2
	}, 5*time.Second, 10*time.Millisecond)

	u := px(-5, 9, canvas.Red)
	require.NoError(t, alice.Send(protocol.NewClientUpdate(0, u)))

	ack := receive(t, alice)
	require.Equal(t, protocol.NewServerUpdate(protocol.Ack(0), u), ack)

	broadcast := receive(t, bob)
	require.Equal(t, protocol.NewServerUpdate(nil, u), broadcast)

	require.NoError(t, bob.Send(protocol.NewDownloadRequest(canvas.R(-5, 9, -4, 10))))
	reply := receive(t, bob)
	require.NotNil(t, reply.Download)
	require.Equal(t, canvas.Red, reply.Download.Data.At(0, 0))

	t.Run("Health", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.WebSocketAddr()))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		require.Equal(t, "ok", health.Status)
		require.Equal(t, int64(2), health.Sessions)
		require.Equal(t, int64(1), health.Engine.Updates)
		require.Equal(t, 1, health.Store.Dirty)
	})

	t.Run("Disconnect Leaves Others", func(t *testing.T) {
		require.NoError(t, bob.Close())
		require.Eventually(t, func() bool {
			return srv.Health().Engine.Clients == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, alice.Send(protocol.NewClientUpdate(1, px(0, 0, canvas.Blue))))
		require.NotNil(t, receive(t, alice).Update)
	})

	require.NoError(t, srv.Stop(context.Background()))
	require.Equal(t, "stopped", srv.Health().Status)
	require.Zero(t, srv.Health().Store.Dirty)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServer_QUIC(t *testing.T) {
	config := DefaultServerConfig()
	config.WebSocketAddr = ""
	config.QUICAddr = "127.0.0.1:0"
	srv := startServer(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := quic.Dial(ctx, srv.QUICAddr().String(), quic.ClientTLS(true), config.QUIC)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	u := px(100, 100, canvas.Green)
	require.NoError(t, conn.Send(protocol.NewClientUpdate(7, u)))
	require.Equal(t, protocol.NewServerUpdate(protocol.Ack(7), u), receive(t, conn))

	require.NoError(t, conn.Send(protocol.NewDownloadRequest(canvas.R(99, 99, 101, 101))))
	reply := receive(t, conn)
	require.NotNil(t, reply.Download)
	require.Equal(t, canvas.Green, reply.Download.Data.At(1, 1))
}

func TestServer_Lifecycle(t *testing.T) {
	t.Run("Invalid Config", func(t *testing.T) {
		config := DefaultServerConfig()
		config.WebSocketAddr = ""
		store := newChunkStore(t)
		srv := NewServer(config, NewEngine(store, config.Engine, log.NewNop()), store, log.NewNop())
		require.ErrorIs(t, srv.Start(context.Background()), ErrInvalidConfig)
	})

	t.Run("Double Start", func(t *testing.T) {
		config := DefaultServerConfig()
		config.WebSocketAddr = "127.0.0.1:0"
		srv := startServer(t, config)
		require.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)
		require.NoError(t, srv.Close())
		require.ErrorIs(t, srv.Start(context.Background()), ErrServerClosed)
	})

	t.Run("Stop Before Start", func(t *testing.T) {
		config := DefaultServerConfig()
		store := newChunkStore(t)
		srv := NewServer(config, NewEngine(store, config.Engine, log.NewNop()), store, log.NewNop())
		require.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
	})
}
