package channel

import "sync"

// Dispatcher fans delivered messages out to the installed handlers.
// Channel implementations embed it to provide AddHandler.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint64]Handler)}
}

func (d *Dispatcher) AddHandler(h Handler) func() {
	if h == nil {
		return func() {}
	}

	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[uint64]Handler)
	}
	d.nextID++
	id := d.nextID
	d.handlers[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// Dispatch delivers msg to every handler installed at the time of the call.
// Handlers run outside the lock so they may remove themselves.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Len returns the number of installed handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}
