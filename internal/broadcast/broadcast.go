// Package broadcast is the engine's fan-out pub/sub: a single run loop
// owns the observer set behind register/unregister/publish channels, so
// adding, removing, and publishing never race each other.
package broadcast

import (
	"sync"
	"time"
)

// EventType discriminates the three kinds of event an observer may
// receive.
type EventType string

const (
	EventState     EventType = "state"
	EventTagValues EventType = "tagValues"
	EventMessage   EventType = "message"
)

// MessageLevel is the severity of a Message event.
type MessageLevel string

const (
	LevelInfo    MessageLevel = "info"
	LevelSuccess MessageLevel = "success"
	LevelWarning MessageLevel = "warning"
	LevelError   MessageLevel = "error"
)

// TagSnapshot is one tag's current value as carried in a TagValues event.
type TagSnapshot struct {
	TagID     string
	TagName   string
	Value     *float64
	Error     string
	Timestamp time.Time
}

// TagValuesPayload is the body of a TagValues event: one device's tags,
// all read in the same poll (or write) cycle.
type TagValuesPayload struct {
	DeviceID  string
	Values    map[string]TagSnapshot
	Timestamp time.Time
}

// MessagePayload is a one-off user-facing notification.
type MessagePayload struct {
	Level       MessageLevel
	Title       string
	Description string
}

// Event is the single envelope type delivered to every observer. Exactly
// one of State, TagValues, Message is populated, matching Type.
type Event struct {
	Type      EventType
	Timestamp time.Time
	State     interface{} // engine-defined snapshot shape, opaque here
	TagValues *TagValuesPayload
	Message   *MessagePayload
}

// observerBuffer bounds how many undelivered events an observer may
// accumulate before further events are dropped for it.
const observerBuffer = 64

// Observer is a subscription handle returned by Register. Callers read
// from Events until it is closed by Unregister.
type Observer struct {
	id     uint64
	Events chan Event
}

// SnapshotFunc produces the State event synthesized for a newly
// registered observer.
type SnapshotFunc func() Event

// Broadcaster owns the observer set and serializes register/unregister/
// publish through a single run loop.
type Broadcaster struct {
	snapshot SnapshotFunc

	register   chan *Observer
	unregister chan *Observer
	publish    chan Event

	mu        sync.Mutex
	observers map[uint64]*Observer
	nextID    uint64

	done chan struct{}
}

// New constructs a Broadcaster. snapshot is invoked (synchronously, from
// the run loop) each time an observer registers, to deliver the
// synthesized initial State event.
func New(snapshot SnapshotFunc) *Broadcaster {
	return &Broadcaster{
		snapshot:   snapshot,
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		publish:    make(chan Event, 256),
		observers:  make(map[uint64]*Observer),
		done:       make(chan struct{}),
	}
}

// Run processes register/unregister/publish until Stop is called. Run
// one goroutine per Broadcaster.
func (b *Broadcaster) Run() {
	for {
		select {
		case o := <-b.register:
			b.mu.Lock()
			b.observers[o.id] = o
			b.mu.Unlock()
			b.deliver(o, b.snapshot())

		case o := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.observers[o.id]; ok {
				delete(b.observers, o.id)
				close(o.Events)
			}
			b.mu.Unlock()

		case ev := <-b.publish:
			b.mu.Lock()
			for _, o := range b.observers {
				b.deliver(o, ev)
			}
			b.mu.Unlock()

		case <-b.done:
			return
		}
	}
}

// Stop ends the run loop. Registered observers are left as-is; callers
// that also need clean shutdown of observers should Unregister them
// first.
func (b *Broadcaster) Stop() {
	close(b.done)
}

func (b *Broadcaster) deliver(o *Observer, ev Event) {
	select {
	case o.Events <- ev:
	default:
		// observer's buffer is full; this event is dropped for it, per
		// the best-effort delivery contract. Other observers are
		// unaffected.
	}
}

// Register subscribes a new observer and immediately queues a
// synthesized State event for it.
func (b *Broadcaster) Register() *Observer {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	o := &Observer{id: id, Events: make(chan Event, observerBuffer)}
	b.register <- o
	return o
}

// Unregister removes an observer and closes its Events channel.
func (b *Broadcaster) Unregister(o *Observer) {
	b.unregister <- o
}

// PublishState broadcasts a full system snapshot.
func (b *Broadcaster) PublishState(state interface{}) {
	b.publish <- Event{Type: EventState, Timestamp: time.Now(), State: state}
}

// PublishTagValues broadcasts one device's batch of tag reads.
func (b *Broadcaster) PublishTagValues(p TagValuesPayload) {
	b.publish <- Event{Type: EventTagValues, Timestamp: time.Now(), TagValues: &p}
}

// PublishMessage broadcasts a user-facing notification.
func (b *Broadcaster) PublishMessage(level MessageLevel, title, description string) {
	b.publish <- Event{
		Type:      EventMessage,
		Timestamp: time.Now(),
		Message:   &MessagePayload{Level: level, Title: title, Description: description},
	}
}

// ObserverCount reports how many observers are currently registered.
func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}
