package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/uibus"
	ws "github.com/taskforge/taskforge/pkg/websocket"
)

// Forwarder pushes domain events and UI bus traffic to subscribed clients.
type Forwarder struct {
	hub   *Hub
	store *events.Store
	bus   uibus.Bus
	log   *logger.Logger
}

// NewForwarder wires the forwarder.
func NewForwarder(hub *Hub, store *events.Store, bus uibus.Bus, log *logger.Logger) *Forwarder {
	return &Forwarder{hub: hub, store: store, bus: bus, log: log.WithComponent("ws_forwarder")}
}

// Run forwards until ctx is done. Domain events go out as task.event
// notifications to the event's task subscribers; UI bus events as ui.event.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := f.store.Subscribe(256)
	defer sub.Unsubscribe()

	busSub, err := f.bus.Subscribe(uibus.AllWildcard(), func(_ context.Context, ev *uibus.Event) error {
		msg, err := ws.NewNotification(ws.ActionUIEvent, ev)
		if err != nil {
			return err
		}
		f.hub.BroadcastToTask(ev.TaskID, msg)
		return nil
	})
	if err != nil {
		return err
	}
	defer busSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case se, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forwardEvent(se)
		}
	}
}

func (f *Forwarder) forwardEvent(se *events.StoredEvent) {
	msg, err := ws.NewNotification(ws.ActionTaskEvent, se)
	if err != nil {
		f.log.WithError(err).Error("failed to encode event notification",
			zap.Int64("event_id", se.ID))
		return
	}
	f.hub.BroadcastToTask(se.StreamID, msg)
}
