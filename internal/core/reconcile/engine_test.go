package reconcile

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/canvas/tiles"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
	"github.com/zeusync/paintsync/pkg/matrix"
)

type outbox struct {
	sent []protocol.ClientMessage
	err  error
}

func (o *outbox) Send(msg protocol.ClientMessage) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func paint(p canvas.Vec2, c canvas.Color) canvas.Update {
	return canvas.Draw(canvas.Pixel{Position: p, Color: c})
}

func newEngine() (*Engine, *tiles.Tiles, *outbox) {
	view := tiles.New(4)
	out := &outbox{}
	return New(view, out, log.NewNop()), view, out
}

func TestEngine_Convergence(t *testing.T) {
	e, view, out := newEngine()
	p := canvas.V(-3, 7)

	id0, err := e.Edit(paint(p, canvas.Red))
	require.NoError(t, err)
	id1, err := e.Edit(paint(p, canvas.Blue))
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, []uint64{id0, id1})
	require.Len(t, out.sent, 2)
	require.Equal(t, protocol.NewClientUpdate(0, paint(p, canvas.Red)), out.sent[0])

	require.NoError(t, e.Process([]protocol.ServerMessage{
		protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Red)),
	}))
	require.Equal(t, canvas.Blue, view.Color(p))
	require.Equal(t, []uint64{1}, e.Pending())

	require.NoError(t, e.Process([]protocol.ServerMessage{
		protocol.NewServerUpdate(protocol.Ack(1), paint(p, canvas.Blue)),
	}))
	require.Equal(t, canvas.Blue, view.Color(p))
	require.Empty(t, e.Pending())
}

func TestEngine_Process(t *testing.T) {
	p := canvas.V(0, 0)
	q := canvas.V(5, 5)

	t.Run("Foreign Update Under Pending Edit", func(t *testing.T) {
		e, view, _ := newEngine()
		_, err := e.Edit(paint(p, canvas.Blue))
		require.NoError(t, err)

		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(nil, canvas.Draw(
				canvas.Pixel{Position: p, Color: canvas.Red},
				canvas.Pixel{Position: q, Color: canvas.Green},
			)),
		}))
		require.Equal(t, canvas.Blue, view.Color(p))
		require.Equal(t, canvas.Green, view.Color(q))
		require.Equal(t, []uint64{0}, e.Pending())

		// the server ordered our edit after the foreign one
		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Blue)),
		}))
		require.Equal(t, canvas.Blue, view.Color(p))
		require.Empty(t, e.Pending())
	})

	t.Run("Foreign Update Wins When Ordered Later", func(t *testing.T) {
		e, view, _ := newEngine()
		_, err := e.Edit(paint(p, canvas.Blue))
		require.NoError(t, err)

		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Blue)),
			protocol.NewServerUpdate(nil, paint(p, canvas.Red)),
		}))
		require.Equal(t, canvas.Red, view.Color(p))
		require.Empty(t, e.Pending())
	})

	t.Run("Several Acks In One Batch", func(t *testing.T) {
		e, view, _ := newEngine()
		for _, c := range []canvas.Color{canvas.Red, canvas.Green, canvas.Blue} {
			_, err := e.Edit(paint(p, c))
			require.NoError(t, err)
		}
		_, err := e.Edit(paint(q, canvas.Black))
		require.NoError(t, err)

		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Red)),
			protocol.NewServerUpdate(nil, paint(q, canvas.White)),
			protocol.NewServerUpdate(protocol.Ack(1), paint(p, canvas.Green)),
		}))
		require.Equal(t, []uint64{2, 3}, e.Pending())
		require.Equal(t, canvas.Blue, view.Color(p))
		require.Equal(t, canvas.Black, view.Color(q))
	})

	t.Run("Download Reply Is Authoritative", func(t *testing.T) {
		e, view, _ := newEngine()
		_, err := e.Edit(paint(p, canvas.Blue))
		require.NoError(t, err)
		view.Apply(paint(q, canvas.Red))

		data := matrix.New[canvas.Color](6, 6)
		data.Set(0, 0, canvas.Green)
		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewDownloadReply(canvas.V(0, 0), data),
		}))

		// pending edit replayed over the snapshot, stale pixel cleared
		require.Equal(t, canvas.Blue, view.Color(p))
		require.Equal(t, canvas.Transparent, view.Color(q))
	})

	t.Run("Initial First", func(t *testing.T) {
		e, view, _ := newEngine()
		require.NoError(t, e.Process([]protocol.ServerMessage{
			protocol.NewInitial([]canvas.Pixel{{Position: q, Color: canvas.Green}}),
			protocol.NewServerUpdate(nil, paint(p, canvas.Red)),
		}))
		require.Equal(t, canvas.Green, view.Color(q))
		require.Equal(t, canvas.Red, view.Color(p))
	})

	t.Run("Empty Batch", func(t *testing.T) {
		e, _, _ := newEngine()
		require.NoError(t, e.Process(nil))
	})
}

func TestEngine_Violations(t *testing.T) {
	p := canvas.V(1, 1)

	t.Run("Unknown Ack", func(t *testing.T) {
		e, view, _ := newEngine()
		_, err := e.Edit(paint(p, canvas.Blue))
		require.NoError(t, err)

		err = e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(9), paint(p, canvas.Red)),
		})
		require.ErrorIs(t, err, ErrUnknownAck)
		require.ErrorIs(t, err, ErrProtocolViolation)

		// nothing was applied and the engine stays failed
		require.Equal(t, canvas.Blue, view.Color(p))
		require.ErrorIs(t, e.Process([]protocol.ServerMessage{protocol.NewServerUpdate(nil, canvas.Draw())}), ErrProtocolViolation)
		_, err = e.Edit(paint(p, canvas.Green))
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.ErrorIs(t, e.Download(canvas.R(0, 0, 1, 1)), ErrProtocolViolation)
		require.Error(t, e.Err())
	})

	t.Run("Skipped Ack", func(t *testing.T) {
		e, _, _ := newEngine()
		_, _ = e.Edit(paint(p, canvas.Blue))
		_, _ = e.Edit(paint(p, canvas.Red))

		err := e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(1), paint(p, canvas.Red)),
		})
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("Duplicate Ack", func(t *testing.T) {
		e, _, _ := newEngine()
		_, _ = e.Edit(paint(p, canvas.Blue))

		err := e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Blue)),
			protocol.NewServerUpdate(protocol.Ack(0), paint(p, canvas.Blue)),
		})
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("Initial Twice", func(t *testing.T) {
		e, _, _ := newEngine()
		require.NoError(t, e.Process([]protocol.ServerMessage{protocol.NewInitial(nil)}))
		require.ErrorIs(t, e.Process([]protocol.ServerMessage{protocol.NewInitial(nil)}), ErrProtocolViolation)
	})

	t.Run("Initial Late In Batch", func(t *testing.T) {
		e, _, _ := newEngine()
		err := e.Process([]protocol.ServerMessage{
			protocol.NewServerUpdate(nil, canvas.Draw()),
			protocol.NewInitial(nil),
		})
		require.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestEngine_SendFailure(t *testing.T) {
	e, view, out := newEngine()
	out.err = errors.New("broken pipe")

	id, err := e.Edit(paint(canvas.V(2, 2), canvas.Red))
	require.Error(t, err)
	require.Equal(t, canvas.Red, view.Color(canvas.V(2, 2)))
	require.Equal(t, []uint64{id}, e.Pending())
}

// server is a minimal ordered relay used to drive several engines.
type server struct {
	image   *canvas.Image
	inboxes [][]protocol.ServerMessage
}

func (s *server) handle(from int, msg protocol.ClientMessage) {
	s.image.Apply(msg.Update.Update)
	for i := range s.inboxes {
		var ack *uint64
		if i == from {
			ack = protocol.Ack(msg.Update.ID)
		}
		s.inboxes[i] = append(s.inboxes[i], protocol.NewServerUpdate(ack, msg.Update.Update))
	}
}

func TestEngine_RandomizedConvergence(t *testing.T) {
	const clients = 3
	rng := rand.New(rand.NewSource(42))
	srv := &server{image: canvas.NewImage(), inboxes: make([][]protocol.ServerMessage, clients)}

	engines := make([]*Engine, clients)
	views := make([]*canvas.Image, clients)
	outs := make([]*outbox, clients)
	for i := range engines {
		views[i] = canvas.NewImage()
		outs[i] = &outbox{}
		engines[i] = New(views[i], outs[i], log.NewNop())
	}

	palette := []canvas.Color{canvas.Red, canvas.Green, canvas.Blue, canvas.Transparent}
	randomUpdate := func() canvas.Update {
		var u canvas.Update
		for n := rng.Intn(4) + 1; n > 0; n-- {
			u.Draw = append(u.Draw, canvas.Pixel{
				Position: canvas.V(int32(rng.Intn(6)-3), int32(rng.Intn(6)-3)),
				Color:    palette[rng.Intn(len(palette))],
			})
		}
		return u
	}

	relay := func(i int) {
		if len(outs[i].sent) == 0 {
			return
		}
		srv.handle(i, outs[i].sent[0])
		outs[i].sent = outs[i].sent[1:]
	}
	drain := func(i int, n int) {
		n = min(n, len(srv.inboxes[i]))
		batch := srv.inboxes[i][:n]
		srv.inboxes[i] = srv.inboxes[i][n:]
		require.NoError(t, engines[i].Process(batch))
	}

	for step := 0; step < 2000; step++ {
		i := rng.Intn(clients)
		switch rng.Intn(3) {
		case 0:
			_, err := engines[i].Edit(randomUpdate())
			require.NoError(t, err)
		case 1:
			relay(i)
		case 2:
			drain(i, rng.Intn(5)+1)
		}
	}

	for i := range engines {
		for len(outs[i].sent) > 0 {
			relay(i)
		}
	}
	for i := range engines {
		drain(i, len(srv.inboxes[i]))
		require.Empty(t, engines[i].Pending())
		require.Equal(t, srv.image.Pixels(), views[i].Pixels(), "client %d diverged", i)
	}
}
