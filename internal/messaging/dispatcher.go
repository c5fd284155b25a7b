package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/meshcoord/internal/models"
)

// HandlerFunc handles one message on behalf of nc. Handlers see a message at
// least once and must tolerate redelivery.
type HandlerFunc func(ctx context.Context, nc models.NodeContext, msg *models.Message) error

// Dispatcher routes messages to handlers by type
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.MessageType]HandlerFunc
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.MessageType]HandlerFunc)}
}

// Handle registers fn for msgType, replacing any previous handler
func (d *Dispatcher) Handle(msgType models.MessageType, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = fn
}

func (d *Dispatcher) lookup(msgType models.MessageType) (HandlerFunc, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.handlers[msgType]
	return fn, ok
}

// invoke turns a handler panic into an error so the message stays pending
func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, nc models.NodeContext, msg *models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, nc, msg)
}
