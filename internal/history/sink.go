package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/tasks"
)

// Sink drains bus events into the store. The bus drops events for slow
// subscribers, so history is best-effort.
type Sink struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSink(store *Store, b *bus.Bus, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, bus: b, logger: logger}
}

// Start subscribes to every topic and writes in the background.
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sub = s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.drain()
				return
			case ev, ok := <-s.sub.Ch():
				if !ok {
					return
				}
				s.handle(context.WithoutCancel(ctx), ev)
			}
		}
	}()
}

// drain writes events already buffered when the sink stops.
func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		default:
			return
		}
	}
}

// Stop ends the subscription and waits for pending writes.
func (s *Sink) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.bus.Unsubscribe(s.sub)
	s.cancel = nil
}

func (s *Sink) handle(ctx context.Context, ev bus.Event) {
	var err error
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		t, ok := p.Task.(*tasks.Task)
		if !ok {
			return
		}
		err = s.store.RecordTask(ctx, t, tasks.Status(p.OldStatus))
	case consensus.Record:
		err = s.store.RecordConsensus(ctx, p)
	case conflict.Record:
		err = s.store.RecordConflict(ctx, p)
	case bus.ConnectionEvent:
		event := strings.TrimPrefix(ev.Topic, "connection.")
		err = s.store.RecordConnection(ctx, p.ConnectionID, p.Agent, event, p.Reason, p.At)
	default:
		return
	}
	if err != nil {
		s.logger.Error("history write failed", "topic", ev.Topic, "error", err)
	}
}
