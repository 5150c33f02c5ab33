// Package injector wires the server process together.
package injector

import (
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/paintsync/internal/config"
	"github.com/zeusync/paintsync/internal/core/chunk"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/storage/disk"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
	"github.com/zeusync/paintsync/internal/core/storage/memory"
	"github.com/zeusync/paintsync/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideBackend,
	ProvideStore,
	ProvideEngine,
	ProvideServer,
)

func ProvideLogger(cfg config.Config) (*log.Logger, error) {
	return log.NewWithConfig(cfg.Log)
}

func ProvideBackend(cfg config.Config) (interfaces.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendDisk:
		return disk.New(cfg.Storage.Dir)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: storage.backend %q", config.ErrInvalidConfig, cfg.Storage.Backend)
	}
}

func ProvideStore(cfg config.Config, backend interfaces.Backend, logger log.Log) (server.Store, error) {
	switch cfg.Storage.Mode {
	case config.ModeChunked:
		return chunk.NewStore(backend, cfg.Storage.Options, logger)
	case config.ModeLegacy:
		return chunk.NewLegacy(backend, cfg.Storage.Cache, logger), nil
	default:
		return nil, fmt.Errorf("%w: storage.mode %q", config.ErrInvalidConfig, cfg.Storage.Mode)
	}
}

func ProvideEngine(cfg config.Config, store server.Store, logger log.Log) *server.Engine {
	return server.NewEngine(store, cfg.Server.Engine, logger)
}

func ProvideServer(cfg config.Config, engine *server.Engine, store server.Store, logger log.Log) *server.Server {
	return server.NewServer(cfg.Server, engine, store, logger)
}
