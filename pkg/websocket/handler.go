package websocket

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc processes one request message and produces the reply sent back
// on the same connection.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher maps protocol actions to their handlers. Registration happens
// during gateway setup; Dispatch is then called concurrently from every
// connected client.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc binds a handler to an action, replacing any earlier binding.
func (d *Dispatcher) RegisterFunc(action string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
}

// Actions lists the registered action names in sorted order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	actions := make([]string, 0, len(d.handlers))
	for a := range d.handlers {
		actions = append(actions, a)
	}
	d.mu.RUnlock()
	sort.Strings(actions)
	return actions
}

// Dispatch routes the message to its action's handler. Unregistered actions
// yield a protocol-level error reply, not a Go error, so the client always
// gets an answer on the wire.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"unknown action "+msg.Action, nil)
	}
	return h(ctx, msg)
}
