package sync

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Engine is the heartbeat loop: a fixed-interval authoritative pull that also
// pushes the local player's liveness. Push notifications only accelerate it;
// the tick is the fallback of record.
type Engine struct {
	client  StoreClient
	machine *Machine
	monitor *Monitor
	clock   clockwork.Clock
	cfg     Config

	wake chan struct{}
}

func NewEngine(client StoreClient, machine *Machine, monitor *Monitor, clock clockwork.Clock, cfg Config) *Engine {
	return &Engine{
		client:  client,
		machine: machine,
		monitor: monitor,
		clock:   clock,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// SyncNow requests an immediate out-of-band heartbeat. Non-blocking; a wake
// already pending is enough.
func (e *Engine) SyncNow() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the heartbeat until the context is cancelled. The first sync
// happens immediately so the machine never starts blind.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.cfg.HeartbeatInterval).Msg("heartbeat engine started")
	e.syncOnce(ctx)

	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat engine stopped")
			return
		case <-ticker.Chan():
			e.syncOnce(ctx)
		case <-e.wake:
			e.syncOnce(ctx)
		}
	}
}

// syncOnce performs one heartbeat. Failures are absorbed: the next tick
// retries, and the monitor decides when to call the connection lost.
func (e *Engine) syncOnce(ctx context.Context) {
	snap, err := e.client.SyncGameState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.monitor.RecordSyncFailure()
		log.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	e.monitor.RecordSyncSuccess()
	e.monitor.Observe(snap)
	e.machine.ApplySnapshot(snap)

	now := e.clock.Now()
	e.machine.CheckStuck(now)
	e.monitor.Tick(now)
}
