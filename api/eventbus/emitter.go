package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// nilEventHandler represents a disabled event handler.
type nilEventHandler struct{}

// defaultEventHandler represents an internal event handler.
type defaultEventHandler struct {
	*pubsub.PubSub[uint, any]
}

// EventID identifies an event topic.
type EventID interface {
	Value() uint
	String() string
}

// EventPublisher represents an interface that provides an event publisher.
type EventPublisher interface {
	// Publish publishes an event to the event stream.
	Publish(id uint, name string, data any)
}

// EventSubscriber represents an interface that provides an event subscriber.
type EventSubscriber interface {
	// Subscribe subscribes to an event from the event stream.
	Subscribe(id uint, name string) SubscriberID
}

// EventHandler represents an interface that provides an event publisher and subscriber.
type EventHandler interface {
	EventPublisher
	EventSubscriber
}

// Bus routes events from the engine to application subscribers.
// Each engine owns its own Bus.
type Bus struct {
	p EventPublisher
	s EventSubscriber

	closer func()

	mu sync.RWMutex
}

// SubscriberID holds a subscription to an event topic.
type SubscriberID struct {
	C <-chan any

	active bool
	unsub  func()
	once   *sync.Once
}

// New returns a Bus backed by the default pubsub handler.
func New() *Bus {
	h := DefaultHandler()

	return &Bus{p: h, s: h, closer: h.Shutdown}
}

// NewWithHandler returns a Bus backed by the given handler.
func NewWithHandler(eh EventHandler) *Bus {
	b := &Bus{}
	b.RegisterEventHandler(eh)

	return b
}

// RegisterEventHandler registers the event handler interface.
func (b *Bus) RegisterEventHandler(eh EventHandler) {
	if eh == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.p = eh.(EventPublisher)
	b.s = eh.(EventSubscriber)
}

// RegisterEventHandlers registers the event publisher and subscriber interfaces separately.
// To disable an EventPublisher or EventSubscriber, pass 'nil' as the parameter.
func (b *Bus) RegisterEventHandlers(p EventPublisher, s EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p == nil {
		p = &nilEventHandler{}
	}
	if s == nil {
		s = &nilEventHandler{}
	}

	b.p = p
	b.s = s
}

// DisableEvents unregisters the event handler.
func (b *Bus) DisableEvents() {
	b.RegisterEventHandler(&nilEventHandler{})
}

// Publish calls the registered publisher handler.
func (b *Bus) Publish(id EventID, data any) {
	if b == nil || id == nil {
		return
	}

	b.mu.RLock()
	p := b.p
	b.mu.RUnlock()

	if p == nil {
		return
	}

	p.Publish(id.Value(), id.String(), data)
}

// Subscribe calls the registered subscriber handler.
func (b *Bus) Subscribe(id EventID) SubscriberID {
	if b == nil || id == nil {
		return (&nilEventHandler{}).Subscribe(0, "")
	}

	b.mu.RLock()
	s := b.s
	b.mu.RUnlock()

	if s == nil {
		return (&nilEventHandler{}).Subscribe(0, "")
	}

	return s.Subscribe(id.Value(), id.String())
}

// Close shuts the bus down. Open subscriptions are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	closer := b.closer
	b.closer = nil
	b.p = &nilEventHandler{}
	b.s = &nilEventHandler{}
	b.mu.Unlock()

	if closer != nil {
		closer()
	}
}

// DefaultHandler returns the default event handler.
func DefaultHandler() *defaultEventHandler {
	return &defaultEventHandler{PubSub: pubsub.New[uint, any](64)}
}

// NilHandler returns a disabled event handler.
func NilHandler() *nilEventHandler {
	return &nilEventHandler{}
}

// Publish publishes an event to the event stream.
func (d *defaultEventHandler) Publish(id uint, name string, data any) {
	d.TryPub(data, id)
}

// Subscribe subscribes to an event from the event stream.
func (d *defaultEventHandler) Subscribe(id uint, name string) SubscriberID {
	ch := d.Sub(id)
	return SubscriberID{
		C:      ch,
		active: true,
		once:   &sync.Once{},
		unsub: func() {
			go d.Unsub(ch, id)
		},
	}
}

// Publish does not do anything.
func (n *nilEventHandler) Publish(uint, string, any) {
}

// Subscribe does not do anything.
func (n *nilEventHandler) Subscribe(uint, string) SubscriberID {
	ch := make(chan any)
	close(ch)
	return SubscriberID{C: ch}
}

// Active reports whether the subscription is live.
func (s SubscriberID) Active() bool {
	return s.active
}

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s SubscriberID) Unsubscribe() {
	if !s.active || s.unsub == nil {
		return
	}

	s.once.Do(s.unsub)
}
