package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/chunk"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/internal/core/storage/memory"
	"github.com/zeusync/paintsync/internal/core/storage/writebehind"
	"github.com/zeusync/paintsync/pkg/matrix"
)

type recorder struct {
	mu       sync.Mutex
	messages []protocol.ServerMessage
	fail     error
}

func (r *recorder) Deliver(msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) Messages() []protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ServerMessage(nil), r.messages...)
}

func newChunkStore(t *testing.T) *chunk.Store {
	t.Helper()
	opts := chunk.DefaultOptions()
	opts.Size = 8
	opts.Cache.Tick = time.Hour
	store, err := chunk.NewStore(memory.New(), opts, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startEngine(t *testing.T, store Store, config EngineConfig) *Engine {
	t.Helper()
	engine := NewEngine(store, config, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engine.Done()
	})
	return engine
}

func connect(t *testing.T, engine *Engine, out Outbound) ClientID {
	t.Helper()
	id, err := engine.Connect(context.Background(), out)
	require.NoError(t, err)
	return id
}

func px(x, y int32, c canvas.Color) canvas.Update {
	return canvas.Draw(canvas.Pixel{Position: canvas.V(x, y), Color: c})
}

func TestEngine_FanOut(t *testing.T) {
	engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())
	ctx := context.Background()

	a, b, c := &recorder{}, &recorder{}, &recorder{}
	idA := connect(t, engine, a)
	idB := connect(t, engine, b)
	connect(t, engine, c)
	require.Equal(t, 3, engine.Stats().Clients)

	red := px(0, 0, canvas.Red)
	blue := px(0, 0, canvas.Blue)
	require.NoError(t, engine.Handle(ctx, idA, protocol.NewClientUpdate(0, red)))
	require.NoError(t, engine.Handle(ctx, idB, protocol.NewClientUpdate(5, blue)))

	t.Run("Author Gets Ack", func(t *testing.T) {
		got := a.Messages()
		require.Len(t, got, 2)
		require.Equal(t, protocol.NewServerUpdate(protocol.Ack(0), red), got[0])
		require.Equal(t, protocol.NewServerUpdate(nil, blue), got[1])

		got = b.Messages()
		require.Len(t, got, 2)
		require.Equal(t, protocol.NewServerUpdate(nil, red), got[0])
		require.Equal(t, protocol.NewServerUpdate(protocol.Ack(5), blue), got[1])
	})

	t.Run("Observer Sees Same Order", func(t *testing.T) {
		got := c.Messages()
		require.Len(t, got, 2)
		require.Nil(t, got[0].Update.YourID)
		require.Equal(t, red, got[0].Update.Update)
		require.Nil(t, got[1].Update.YourID)
		require.Equal(t, blue, got[1].Update.Update)
	})

	t.Run("Download Is Point To Point", func(t *testing.T) {
		require.NoError(t, engine.Handle(ctx, idA, protocol.NewDownloadRequest(canvas.R(-1, -1, 1, 1))))

		got := a.Messages()
		require.Len(t, got, 3)
		reply := got[2].Download
		require.NotNil(t, reply)
		require.Equal(t, canvas.V(-1, -1), reply.Position)
		require.Equal(t, canvas.Blue, reply.Data.At(1, 1))
		require.Equal(t, canvas.Transparent, reply.Data.At(0, 0))

		require.Len(t, b.Messages(), 2)
		require.Len(t, c.Messages(), 2)
	})

	require.Equal(t, int64(2), engine.Stats().Updates)
	require.Equal(t, int64(1), engine.Stats().Downloads)
}

func TestEngine_Clients(t *testing.T) {
	ctx := context.Background()

	t.Run("Slow Client Is Dropped", func(t *testing.T) {
		engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())

		a, slow, c := &recorder{}, &recorder{fail: ErrOutboundFull}, &recorder{}
		idA := connect(t, engine, a)
		idSlow := connect(t, engine, slow)
		connect(t, engine, c)

		require.NoError(t, engine.Handle(ctx, idA, protocol.NewClientUpdate(1, px(1, 1, canvas.Red))))
		require.Equal(t, 2, engine.Stats().Clients)
		require.Equal(t, int64(1), engine.Stats().Dropped)
		require.Len(t, a.Messages(), 1)
		require.Len(t, c.Messages(), 1)

		err := engine.Handle(ctx, idSlow, protocol.NewClientUpdate(1, px(2, 2, canvas.Red)))
		require.ErrorIs(t, err, ErrClientNotFound)
	})

	t.Run("Disconnect", func(t *testing.T) {
		engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())

		a, b := &recorder{}, &recorder{}
		idA := connect(t, engine, a)
		idB := connect(t, engine, b)
		require.NotEqual(t, idA, idB)

		require.NoError(t, engine.Disconnect(ctx, idB))
		require.NoError(t, engine.Disconnect(ctx, idB))
		require.NoError(t, engine.Handle(ctx, idA, protocol.NewClientUpdate(1, px(1, 1, canvas.Red))))

		require.Len(t, a.Messages(), 1)
		require.Empty(t, b.Messages())
		require.Equal(t, 1, engine.Stats().Clients)
	})

	t.Run("Invalid Areas", func(t *testing.T) {
		config := DefaultEngineConfig()
		config.MaxDownloadArea = 100
		engine := startEngine(t, newChunkStore(t), config)

		a := &recorder{}
		id := connect(t, engine, a)

		err := engine.Handle(ctx, id, protocol.NewDownloadRequest(canvas.R(5, 5, 0, 0)))
		require.ErrorIs(t, err, ErrInvalidArea)
		err = engine.Handle(ctx, id, protocol.NewDownloadRequest(canvas.R(0, 0, 11, 10)))
		require.ErrorIs(t, err, ErrInvalidArea)

		require.NoError(t, engine.Handle(ctx, id, protocol.NewDownloadRequest(canvas.R(0, 0, 10, 10))))
		require.Len(t, a.Messages(), 1)
	})

	t.Run("Extent Wider Than Int32", func(t *testing.T) {
		engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())

		a, b := &recorder{}, &recorder{}
		id := connect(t, engine, a)
		idB := connect(t, engine, b)

		wide := canvas.R(math.MinInt32/2-10, 0, math.MaxInt32/2+10, 1)
		err := engine.Handle(ctx, id, protocol.NewDownloadRequest(wide))
		require.ErrorIs(t, err, ErrInvalidArea)
		err = engine.Handle(ctx, id, protocol.NewDownloadRequest(canvas.R(math.MinInt32, math.MinInt32, math.MaxInt32, math.MaxInt32)))
		require.ErrorIs(t, err, ErrInvalidArea)
		require.Empty(t, a.Messages())

		// the engine keeps serving everyone
		require.NoError(t, engine.Handle(ctx, idB, protocol.NewClientUpdate(1, px(1, 1, canvas.Red))))
		require.Len(t, a.Messages(), 1)
		require.Len(t, b.Messages(), 1)
		require.NoError(t, engine.Err())
	})

	t.Run("Zero Limit Uses Default", func(t *testing.T) {
		config := DefaultEngineConfig()
		config.MaxDownloadArea = 0
		engine := startEngine(t, newChunkStore(t), config)

		id := connect(t, engine, &recorder{})
		err := engine.Handle(ctx, id, protocol.NewDownloadRequest(canvas.R(0, 0, 4097, 4096)))
		require.ErrorIs(t, err, ErrInvalidArea)
	})

	t.Run("Empty Message", func(t *testing.T) {
		engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())
		id := connect(t, engine, &recorder{})
		require.ErrorIs(t, engine.Handle(ctx, id, protocol.ClientMessage{}), ErrInvalidMessage)
	})
}

func TestEngine_InitialSnapshot(t *testing.T) {
	opts := writebehind.DefaultOptions()
	opts.Tick = time.Hour
	store := chunk.NewLegacy(memory.New(), opts, log.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Update(px(3, -3, canvas.Green)))

	engine := startEngine(t, store, DefaultEngineConfig())

	a := &recorder{}
	idA := connect(t, engine, a)
	require.NoError(t, engine.Handle(context.Background(), idA, protocol.NewClientUpdate(0, px(4, 4, canvas.Red))))

	b := &recorder{}
	connect(t, engine, b)

	got := a.Messages()
	require.Len(t, got, 2)
	require.Equal(t, protocol.NewInitial([]canvas.Pixel{{Position: canvas.V(3, -3), Color: canvas.Green}}), got[0])

	got = b.Messages()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Initial)
	require.Len(t, got[0].Initial.Pixels, 2)
}

type brokenStore struct {
	err error
}

func (s brokenStore) Update(canvas.Update) error { return s.err }
func (s brokenStore) Get(canvas.Rect) (*matrix.Matrix[canvas.Color], error) {
	return nil, s.err
}
func (s brokenStore) Flush() error                 { return s.err }
func (s brokenStore) Close() error                 { return nil }
func (s brokenStore) Stats() interfaces.Statistics { return interfaces.Statistics{} }

func TestEngine_StoreFailureStops(t *testing.T) {
	errDisk := errors.New("disk full")
	engine := NewEngine(brokenStore{err: errDisk}, DefaultEngineConfig(), log.NewNop())

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(context.Background()) }()

	id := connect(t, engine, &recorder{})
	err := engine.Handle(context.Background(), id, protocol.NewClientUpdate(0, px(0, 0, canvas.Red)))
	require.ErrorIs(t, err, errDisk)

	select {
	case err = <-runErr:
		require.ErrorIs(t, err, errDisk)
	case <-time.After(5 * time.Second):
		t.Fatal("engine kept running after a store failure")
	}

	require.ErrorIs(t, engine.Err(), errDisk)
	_, err = engine.Connect(context.Background(), &recorder{})
	require.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_RunTwice(t *testing.T) {
	engine := startEngine(t, newChunkStore(t), DefaultEngineConfig())
	connect(t, engine, &recorder{})
	require.ErrorIs(t, engine.Run(context.Background()), ErrEngineRunning)
}
