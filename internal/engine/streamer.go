package engine

import (
	"context"

	"github.com/atmx/mirror-engine/internal/session"
	"github.com/atmx/mirror-engine/internal/stream"
)

// mirrorStreamer backs a session with holds on the master's shared transaction and
// portfolio streams.
type mirrorStreamer struct {
	sub *stream.Subscriber
}

func (m *mirrorStreamer) Open(ctx context.Context, traderID string) (session.Handle, error) {
	tx, err := m.sub.Subscribe(ctx, stream.Transaction, traderID)
	if err != nil {
		return nil, err
	}
	pf, err := m.sub.Subscribe(ctx, stream.Portfolio, traderID)
	if err != nil {
		tx.Close()
		return nil, err
	}
	return streams{tx, pf}, nil
}

type streams []*stream.Subscription

func (s streams) Close() {
	for _, sub := range s {
		sub.Close()
	}
}
