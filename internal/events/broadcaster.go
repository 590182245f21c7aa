package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/logging"
)

// Event types published by the core
const (
	TypeDeviceRegistered    = "device_registered"
	TypeDeviceRemoved       = "device_removed"
	TypeDeviceStatusChanged = "device_status_changed"
	TypeEnrollmentStarted   = "enrollment_started"
	TypeEnrollmentProgress  = "enrollment_progress"
	TypeEnrollmentCompleted = "enrollment_completed"
	TypeEnrollmentFailed    = "enrollment_failed"
	TypeEnrollmentCancelled = "enrollment_cancelled"
	TypeStudentSynced       = "student_synced"
	TypeTemplatesPushed     = "templates_pushed"
)

// Event is one notification fanned out to subscribers. Origin carries the
// publishing instance's ID so relayed copies are not re-broadcast.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SchoolID  string                 `json:"school_id"`
	Timestamp time.Time              `json:"timestamp"`
	Origin    string                 `json:"origin,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber receives events for one school over a bounded channel. A
// subscriber that stops draining loses events rather than blocking
// publishers.
type Subscriber struct {
	id       string
	schoolID string
	ch       chan Event
	b        *Broadcaster
	once     sync.Once
}

// Events is the subscriber's receive channel. It is closed by Close and
// by Broadcaster.Close.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber and closes its channel
func (s *Subscriber) Close() {
	s.b.unsubscribe(s)
}

// Sink observes every locally published event. Used by the relay to
// forward events to other instances.
type Sink func(Event)

// Broadcaster fans events out to in-process subscribers, scoped by school
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sinks       []Sink
	buffer      int
	instanceID  string
	logger      *logrus.Entry
	closed      bool
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// bufferSize undelivered events each
func NewBroadcaster(bufferSize int, logger *logrus.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		buffer:      bufferSize,
		instanceID:  uuid.NewString(),
		logger:      logging.NewComponentLogger(logger, "events"),
	}
}

// InstanceID identifies this broadcaster across the relay channel
func (b *Broadcaster) InstanceID() string {
	return b.instanceID
}

// AddSink registers an observer for locally published events
func (b *Broadcaster) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe attaches a subscriber for one school's events. An empty
// schoolID subscribes to every school.
func (b *Broadcaster) Subscribe(schoolID string) *Subscriber {
	s := &Subscriber{
		id:       uuid.NewString(),
		schoolID: schoolID,
		ch:       make(chan Event, b.buffer),
		b:        b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subscribers[s.id] = s
	return s
}

func (b *Broadcaster) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, present := b.subscribers[s.id]
	delete(b.subscribers, s.id)
	b.mu.Unlock()

	if present {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish stamps and delivers an event to local subscribers and sinks.
// It never blocks: subscribers with full buffers miss the event.
func (b *Broadcaster) Publish(eventType, schoolID string, data map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SchoolID:  schoolID,
		Timestamp: time.Now().UTC(),
		Origin:    b.instanceID,
		Data:      data,
	}

	b.deliver(event)

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink(event)
	}

	return event
}

// Inject delivers an event received from another instance to local
// subscribers without re-running sinks
func (b *Broadcaster) Inject(event Event) {
	if event.Origin == b.instanceID {
		return
	}
	b.deliver(event)
}

func (b *Broadcaster) deliver(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers {
		if s.schoolID != "" && s.schoolID != event.SchoolID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber_id": s.id,
				"event_type":    event.Type,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount reports how many subscribers are attached
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close detaches every subscriber and closes their channels
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subscribers := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subscribers {
		s.once.Do(func() { close(s.ch) })
	}
}
