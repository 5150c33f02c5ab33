package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
)

var _ Outbound = (*session)(nil)

// session pumps one client connection: the reader feeds the engine in arrival
// order and the writer drains the outbound buffer the engine fills.
type session struct {
	id     string
	conn   protocol.ServerConn
	engine *Engine
	outbox chan protocol.ServerMessage
	logger log.Log

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newSession(ctx context.Context, conn protocol.ServerConn, engine *Engine, buffer int, transport string, logger log.Log) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(ctx)
	return &session{
		id:     id,
		conn:   conn,
		engine: engine,
		outbox: make(chan protocol.ServerMessage, buffer),
		logger: logger.With(
			log.String("session_id", id),
			log.String("transport", transport),
			log.String("remote_addr", conn.RemoteAddr().String()),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Deliver queues msg without blocking. A full buffer closes the session.
func (s *session) Deliver(msg protocol.ServerMessage) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		s.close(ErrOutboundFull)
		return ErrOutboundFull
	}
}

func (s *session) close(cause error) {
	s.cancel(cause)
}

// run serves the connection until either side fails. It always disconnects
// the client from the engine and closes the connection.
func (s *session) run() error {
	defer func() { _ = s.conn.Close() }()

	client, err := s.engine.Connect(s.ctx, s)
	if err != nil {
		s.close(err)
		return err
	}
	s.logger = s.logger.With(log.Uint64("client_id", uint64(client)))
	s.logger.Info("Client session started")

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.engine.Disconnect(ctx, client)
	}()

	go s.writeLoop()
	go func() {
		// unblocks Receive
		<-s.ctx.Done()
		_ = s.conn.Close()
	}()

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.close(err)
			break
		}

		err = s.engine.Handle(s.ctx, client, msg)
		if errors.Is(err, ErrInvalidArea) || errors.Is(err, ErrInvalidMessage) {
			s.logger.Warn("Rejected client message", log.String("type", string(msg.Type())), log.Error(err))
			continue
		}
		if err != nil {
			s.close(err)
			break
		}
	}

	return context.Cause(s.ctx)
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbox:
			if err := s.conn.Send(msg); err != nil {
				s.close(err)
				return
			}
		}
	}
}
