package sync

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/tandemlabs/tandem/internal/models"
)

// Session composes the sync core for one player in one room: heartbeat
// engine, change feed listener, state machine, and connection monitor.
type Session struct {
	Client  *Client
	Machine *Machine
	Monitor *Monitor
	Engine  *Engine

	feed *FeedListener
}

// NewSession wires the sync core around an established room client. Pass an
// empty natsURL to run on pure polling.
func NewSession(client *Client, natsURL string, cfg Config) (*Session, error) {
	clock := clockwork.NewRealClock()

	machine := NewMachine(client.PlayerID, cfg, clock)

	var engine *Engine
	monitor := NewMonitor(client.PlayerID, cfg, clock, machine.Emit, func() {
		if engine != nil {
			engine.SyncNow()
		}
	})
	engine = NewEngine(client, machine, monitor, clock, cfg)

	s := &Session{
		Client:  client,
		Machine: machine,
		Monitor: monitor,
		Engine:  engine,
	}

	if natsURL != "" {
		feed, err := NewFeedListener(natsURL, client.RoomID, client.PlayerID, machine, monitor, engine.SyncNow)
		if err != nil {
			machine.Close()
			return nil, fmt.Errorf("failed to attach change feed: %w", err)
		}
		s.feed = feed
	}
	return s, nil
}

// Run drives the heartbeat until the context is cancelled, then tears
// everything down deterministically: feed first, so no callback can fire
// against a closed machine.
func (s *Session) Run(ctx context.Context) {
	s.Engine.Run(ctx)
	if s.feed != nil {
		_ = s.feed.Close()
	}
	s.Machine.Close()
}

// Events is the consolidated update stream for the presentation layer.
func (s *Session) Events() <-chan Event {
	return s.Machine.Events()
}

// SelectLevel submits a level vote and feeds the outcome into the vote
// submachine.
func (s *Session) SelectLevel(ctx context.Context, level int) (*models.LevelSelectionResult, error) {
	result, err := s.Client.HandleLevelSelection(ctx, level)
	if err != nil {
		return nil, err
	}
	s.Machine.RecordVote(level, result)
	return result, nil
}
