// Package reconcile keeps a client's canvas responsive by applying local edits
// right away and reconciling them with the authoritative update stream.
package reconcile

import (
	"fmt"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
)

// Record is a local edit the server has not acknowledged yet. Backward undoes
// Forward against the view as it was right before Forward was first applied.
type Record struct {
	ID       uint64
	Forward  canvas.Update
	Backward canvas.Update
}

// Sender transmits client messages. It must not block for long.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// Engine owns the local view. It is not safe for concurrent use: edits and
// batches must come from the same goroutine.
//
// After every processed batch the view equals the authoritative canvas plus
// the forward patches of all pending records, applied oldest first.
type Engine struct {
	view   canvas.View
	sender Sender
	logger log.Log

	nextID      uint64
	unconfirmed []Record
	received    bool
	err         error
}

func New(view canvas.View, sender Sender, logger log.Log) *Engine {
	return &Engine{
		view:   view,
		sender: sender,
		logger: logger.With(log.String("component", "reconcile")),
	}
}

func (e *Engine) View() canvas.View {
	return e.view
}

// Err returns the protocol violation that stopped the engine, if any.
func (e *Engine) Err() error {
	return e.err
}

// Edit applies u locally, remembers how to undo it and sends it to the server.
func (e *Engine) Edit(u canvas.Update) (uint64, error) {
	if e.err != nil {
		return 0, e.err
	}

	id := e.nextID
	e.nextID++

	backward := e.view.Apply(u)
	e.unconfirmed = append(e.unconfirmed, Record{ID: id, Forward: u, Backward: backward})

	if err := e.sender.Send(protocol.NewClientUpdate(id, u)); err != nil {
		return id, fmt.Errorf("send update %d: %w", id, err)
	}
	return id, nil
}

// Download asks the server for a snapshot of area.
func (e *Engine) Download(area canvas.Rect) error {
	if e.err != nil {
		return e.err
	}
	if err := e.sender.Send(protocol.NewDownloadRequest(area)); err != nil {
		return fmt.Errorf("send download %s: %w", area, err)
	}
	return nil
}

// Pending returns the ids of unacknowledged edits, oldest first.
func (e *Engine) Pending() []uint64 {
	ids := make([]uint64, len(e.unconfirmed))
	for i, r := range e.unconfirmed {
		ids[i] = r.ID
	}
	return ids
}

// Process reconciles the view with one batch of server messages: undo every
// pending edit, apply the batch, then replay the edits it did not acknowledge.
func (e *Engine) Process(batch []protocol.ServerMessage) error {
	if e.err != nil {
		return e.err
	}
	if len(batch) == 0 {
		return nil
	}

	ack, err := e.check(batch)
	if err != nil {
		e.err = err
		e.logger.Error("Server stream violates the protocol", log.Error(err))
		return err
	}
	e.received = true

	// undo back to and including the acknowledged edit, keeping newer ones
	var redo []Record
	for len(e.unconfirmed) > 0 {
		r := e.pop()
		e.view.Apply(r.Backward)
		if ack != nil && r.ID == *ack {
			break
		}
		redo = append(redo, r)
	}

	// older edits were acknowledged in this batch too
	for len(e.unconfirmed) > 0 {
		r := e.pop()
		e.view.Apply(r.Backward)
	}

	for _, msg := range batch {
		switch {
		case msg.Update != nil:
			e.view.Apply(msg.Update.Update)
		case msg.Download != nil:
			e.view.Apply(canvas.FromMatrix(msg.Download.Position, msg.Download.Data))
		case msg.Initial != nil:
			e.view.Apply(canvas.Draw(msg.Initial.Pixels...))
		}
	}

	for i := len(redo) - 1; i >= 0; i-- {
		e.view.Apply(redo[i].Forward)
		e.unconfirmed = append(e.unconfirmed, redo[i])
	}
	return nil
}

func (e *Engine) pop() Record {
	last := len(e.unconfirmed) - 1
	r := e.unconfirmed[last]
	e.unconfirmed[last] = Record{}
	e.unconfirmed = e.unconfirmed[:last]
	return r
}

// check validates batch against the pending edits without touching any
// state and returns the highest acknowledged id.
func (e *Engine) check(batch []protocol.ServerMessage) (*uint64, error) {
	var ack *uint64
	acked := make(map[uint64]struct{})

	for i, msg := range batch {
		switch {
		case msg.Initial != nil:
			if e.received || i > 0 {
				return nil, fmt.Errorf("%w: initial snapshot after other messages", ErrProtocolViolation)
			}
		case msg.Update != nil:
			if id := msg.Update.YourID; id != nil {
				if _, dup := acked[*id]; dup {
					return nil, fmt.Errorf("%w: update %d acknowledged twice", ErrProtocolViolation, *id)
				}
				acked[*id] = struct{}{}
				if ack == nil || *id > *ack {
					ack = id
				}
			}
		case msg.Download != nil:
			if msg.Download.Data == nil || !msg.Download.Data.Valid() {
				return nil, fmt.Errorf("%w: malformed download reply", ErrProtocolViolation)
			}
		default:
			return nil, fmt.Errorf("%w: empty message", ErrProtocolViolation)
		}
	}

	if ack == nil {
		return nil, nil
	}

	pending := make(map[uint64]struct{}, len(e.unconfirmed))
	for _, r := range e.unconfirmed {
		pending[r.ID] = struct{}{}
	}
	for id := range acked {
		if _, ok := pending[id]; !ok {
			return nil, fmt.Errorf("%w: %w: %d", ErrProtocolViolation, ErrUnknownAck, id)
		}
	}
	// edits are acknowledged in issue order, so everything up to the
	// highest ack must be acknowledged by this batch
	for _, r := range e.unconfirmed {
		if r.ID > *ack {
			break
		}
		if _, ok := acked[r.ID]; !ok {
			return nil, fmt.Errorf("%w: update %d was skipped by the acknowledgment of %d", ErrProtocolViolation, r.ID, *ack)
		}
	}
	return ack, nil
}
