package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/pkg/matrix"
)

// ClientID identifies a connected client for the lifetime of its connection.
type ClientID uint64

// Outbound is the send side of one client. Deliver must not block: a client
// that cannot take a message right away fails the call and gets dropped.
type Outbound interface {
	Deliver(msg protocol.ServerMessage) error
}

// Store is the persisted canvas the engine edits.
type Store interface {
	Update(u canvas.Update) error
	Get(r canvas.Rect) (*matrix.Matrix[canvas.Color], error)
	Flush() error
	Close() error
	Stats() interfaces.Statistics
}

// Snapshotter is implemented by stores able to hand out the whole canvas.
// Joining clients of such stores receive it as their first message.
type Snapshotter interface {
	Snapshot() ([]canvas.Pixel, error)
}

type EngineConfig struct {
	// MaxDownloadArea caps the pixel count of one download request. Zero or
	// less selects the default.
	MaxDownloadArea int64 `yaml:"max_download_area"`
	// QueueSize is the capacity of the operation queue.
	QueueSize int `yaml:"queue_size"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxDownloadArea: 4096 * 4096,
		QueueSize:       1024,
	}
}

type EngineStats struct {
	Clients   int   `json:"clients"`
	Updates   int64 `json:"updates"`
	Downloads int64 `json:"downloads"`
	Dropped   int64 `json:"dropped"`
}

type opKind uint8

const (
	opConnect opKind = iota
	opDisconnect
	opMessage
)

type op struct {
	kind  opKind
	id    ClientID
	out   Outbound
	msg   protocol.ClientMessage
	reply chan opResult
}

type opResult struct {
	id  ClientID
	err error
}

// fatalError marks store failures, which stop the engine.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Engine is the single owner of the client registry and the store. Every
// operation is applied by one goroutine, which gives all clients the same
// total order of updates.
type Engine struct {
	store  Store
	config EngineConfig
	logger log.Log

	ops     chan op
	done    chan struct{}
	err     error
	running atomic.Bool

	// owned by the Run goroutine
	nextID  ClientID
	clients map[ClientID]Outbound

	clientCount atomic.Int64
	updates     atomic.Int64
	downloads   atomic.Int64
	dropped     atomic.Int64
}

func NewEngine(store Store, config EngineConfig, logger log.Log) *Engine {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultEngineConfig().QueueSize
	}
	if config.MaxDownloadArea <= 0 {
		config.MaxDownloadArea = DefaultEngineConfig().MaxDownloadArea
	}
	return &Engine{
		store:   store,
		config:  config,
		logger:  logger.With(log.String("component", "sync_engine")),
		ops:     make(chan op, config.QueueSize),
		done:    make(chan struct{}),
		clients: make(map[ClientID]Outbound),
	}
}

// Run applies operations until ctx is done or the store fails. A store
// failure is returned; cancellation returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer close(e.done)

	e.logger.Info("Sync engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync engine stopped", log.Int64("updates", e.updates.Load()))
			return nil
		case o := <-e.ops:
			res := e.apply(o)
			o.reply <- res

			var fatal fatalError
			if errors.As(res.err, &fatal) {
				e.err = fatal.err
				e.logger.Error("Store failed, stopping sync engine", log.Error(fatal.err))
				return fatal.err
			}
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the store error that stopped the engine, if any.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (e *Engine) submit(ctx context.Context, o op) (opResult, error) {
	o.reply = make(chan opResult, 1)

	select {
	case e.ops <- o:
	case <-e.done:
		return opResult{}, e.stoppedError()
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}

	select {
	case res := <-o.reply:
		return res, nil
	case <-e.done:
		select {
		case res := <-o.reply:
			return res, nil
		default:
			return opResult{}, e.stoppedError()
		}
	}
}

func (e *Engine) stoppedError() error {
	if err := e.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineStopped, err)
	}
	return ErrEngineStopped
}

// Connect registers out and returns the id of the new client.
func (e *Engine) Connect(ctx context.Context, out Outbound) (ClientID, error) {
	res, err := e.submit(ctx, op{kind: opConnect, out: out})
	if err != nil {
		return 0, err
	}
	return res.id, res.err
}

// Disconnect removes a client. Unknown ids are ignored.
func (e *Engine) Disconnect(ctx context.Context, id ClientID) error {
	_, err := e.submit(ctx, op{kind: opDisconnect, id: id})
	return err
}

// Handle applies one message of client id and returns once it took effect.
func (e *Engine) Handle(ctx context.Context, id ClientID, msg protocol.ClientMessage) error {
	res, err := e.submit(ctx, op{kind: opMessage, id: id, msg: msg})
	if err != nil {
		return err
	}
	return res.err
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Clients:   int(e.clientCount.Load()),
		Updates:   e.updates.Load(),
		Downloads: e.downloads.Load(),
		Dropped:   e.dropped.Load(),
	}
}

func (e *Engine) apply(o op) opResult {
	switch o.kind {
	case opConnect:
		return e.connect(o.out)
	case opDisconnect:
		e.remove(o.id)
		return opResult{id: o.id}
	case opMessage:
		if _, ok := e.clients[o.id]; !ok {
			return opResult{id: o.id, err: ErrClientNotFound}
		}
		switch {
		case o.msg.Update != nil:
			return opResult{id: o.id, err: e.update(o.id, o.msg.Update)}
		case o.msg.Download != nil:
			return opResult{id: o.id, err: e.download(o.id, o.msg.Download.Area)}
		default:
			return opResult{id: o.id, err: ErrInvalidMessage}
		}
	default:
		return opResult{err: fmt.Errorf("unknown operation %d", o.kind)}
	}
}

func (e *Engine) connect(out Outbound) opResult {
	id := e.nextID
	e.nextID++

	if snap, ok := e.store.(Snapshotter); ok {
		pixels, err := snap.Snapshot()
		if err != nil {
			return opResult{err: fatalError{fmt.Errorf("snapshot canvas: %w", err)}}
		}
		if err = out.Deliver(protocol.NewInitial(pixels)); err != nil {
			e.dropped.Add(1)
			return opResult{err: err}
		}
	}

	e.clients[id] = out
	e.clientCount.Store(int64(len(e.clients)))
	e.logger.Debug("Client connected", log.Uint64("client_id", uint64(id)))
	return opResult{id: id}
}

func (e *Engine) remove(id ClientID) {
	if _, ok := e.clients[id]; !ok {
		return
	}
	delete(e.clients, id)
	e.clientCount.Store(int64(len(e.clients)))
	e.logger.Debug("Client disconnected", log.Uint64("client_id", uint64(id)))
}

// deliver sends msg to id and drops the client when it cannot keep up.
func (e *Engine) deliver(id ClientID, out Outbound, msg protocol.ServerMessage) {
	if err := out.Deliver(msg); err != nil {
		e.dropped.Add(1)
		e.logger.Warn("Dropping client", log.Uint64("client_id", uint64(id)), log.Error(err))
		e.remove(id)
	}
}

func (e *Engine) update(sender ClientID, u *protocol.ClientUpdate) error {
	ack := protocol.NewServerUpdate(protocol.Ack(u.ID), u.Update)
	broadcast := protocol.NewServerUpdate(nil, u.Update)

	for id, out := range e.clients {
		if id == sender {
			e.deliver(id, out, ack)
		} else {
			e.deliver(id, out, broadcast)
		}
	}

	if err := e.store.Update(u.Update); err != nil {
		return fatalError{fmt.Errorf("apply update: %w", err)}
	}
	e.updates.Add(1)
	return nil
}

func (e *Engine) download(sender ClientID, area canvas.Rect) error {
	if !area.Valid() {
		return fmt.Errorf("%w: %s is inverted", ErrInvalidArea, area)
	}
	if area.Area() > e.config.MaxDownloadArea {
		return fmt.Errorf("%w: %s covers %d pixels, limit is %d", ErrInvalidArea, area, area.Area(), e.config.MaxDownloadArea)
	}

	data, err := e.store.Get(area)
	if err != nil {
		return fatalError{fmt.Errorf("read %s: %w", area, err)}
	}
	e.downloads.Add(1)
	e.logger.Debug("Serving download", log.Uint64("client_id", uint64(sender)), log.Stringer("area", area))

	e.deliver(sender, e.clients[sender], protocol.NewDownloadReply(area.BottomLeft(), data))
	return nil
}
