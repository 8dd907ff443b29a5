package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/protocol"
)

// Forwarder relays in-process bus events to websocket topics: task and
// consensus events become task_progress envelopes, resolved conflicts become
// notifications on the conflicts topic.
type Forwarder struct {
	srv    *Server
	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Server) NewForwarder() *Forwarder {
	return &Forwarder{srv: s}
}

func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	b := f.srv.cfg.Bus
	f.sub = b.Subscribe("task.", "consensus.", "conflict.")
	f.wg.Add(1)
	go f.run(ctx, f.sub)
}

func (f *Forwarder) run(ctx context.Context, sub *bus.Subscription) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev bus.Event) {
	router := f.srv.cfg.Router
	if data, ok := progressFromEvent(ev); ok {
		env, err := protocol.New(protocol.TypeTaskProgress, data)
		if err != nil {
			f.srv.logger.Warn("encode task progress", "task_id", data.TaskID, "error", err)
			return
		}
		router.Publish(ctx, protocol.TopicTaskProgress, env)
		return
	}
	if rec, ok := ev.Payload.(conflict.Record); ok {
		env := protocol.MustNew(protocol.TypeNotification, protocol.NotificationData{
			Title:   "conflict " + string(rec.Type),
			Message: fmt.Sprintf("%s via %s: %s", rec.Report.Description, rec.Plan.Strategy, rec.Plan.Action),
			Level:   conflictLevel(rec),
		})
		router.Publish(ctx, protocol.TopicConflicts, env)
	}
}

// Stop unsubscribes and waits for the relay goroutine.
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.wg.Wait()
		f.srv.cfg.Bus.Unsubscribe(f.sub)
	})
}

func conflictLevel(rec conflict.Record) string {
	if rec.Succeeded() {
		return "info"
	}
	return "warning"
}

// progressFromEvent converts task and consensus bus payloads into the
// task_progress wire shape.
func progressFromEvent(ev bus.Event) (protocol.TaskProgressData, bool) {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		return protocol.TaskProgressData{
			TaskID:         p.TaskID,
			Name:           p.Name,
			Status:         p.NewStatus,
			PreviousStatus: p.OldStatus,
			Agents:         p.Agents,
			Error:          p.Error,
			At:             p.At,
		}, true
	case consensus.Record:
		return protocol.TaskProgressData{
			TaskID:     p.TaskID,
			Status:     "consensus",
			Agents:     p.Agents,
			Decision:   string(p.Decision),
			Confidence: p.Confidence,
			At:         p.Timestamp,
		}, true
	}
	return protocol.TaskProgressData{}, false
}
