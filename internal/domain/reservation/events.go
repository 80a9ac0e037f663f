package reservation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/platform/websocket"
)

// EventType names a slot notification.
type EventType string

const (
	EventSlotHeld            EventType = "slot.held"
	EventSlotConfirmed       EventType = "slot.confirmed"
	EventSlotFreed           EventType = "slot.freed"
	EventReservationExpiring EventType = "reservation.expiring"
)

// Event is a best-effort notification. Nothing in the ledger depends on its
// delivery.
type Event struct {
	Type             EventType  `json:"type"`
	Slot             SlotKey    `json:"slot"`
	ReservationID    uuid.UUID  `json:"reservation_id"`
	State            State      `json:"state"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

func newEvent(t EventType, r *Reservation, now time.Time) Event {
	e := Event{
		Type:          t,
		Slot:          r.Key,
		ReservationID: r.ID,
		State:         r.State,
		OccurredAt:    now,
	}
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		e.ExpiresAt = &exp
		if rem := exp.Sub(now); rem > 0 {
			e.RemainingSeconds = int(rem.Round(time.Second) / time.Second)
		}
	}
	return e
}

// DoctorTopic is the subscription topic for a doctor's day.
func DoctorTopic(doctorID, date string) string { return "doctor/" + doctorID + "/" + date }

// ReservationTopic is the subscription topic for one reservation.
func ReservationTopic(id uuid.UUID) string { return "reservation/" + id.String() }

// Topics lists the topics e is delivered on.
func (e Event) Topics() []string {
	return []string{DoctorTopic(e.Slot.DoctorID, e.Slot.Date), ReservationTopic(e.ReservationID)}
}

// TopicAllowed accepts doctor/{id}/{YYYY-MM-DD} and reservation/{uuid}.
func TopicAllowed(topic string) bool {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 3 && parts[0] == "doctor":
		if parts[1] == "" {
			return false
		}
		_, err := time.Parse(DateLayout, parts[2])
		return err == nil
	case len(parts) == 2 && parts[0] == "reservation":
		_, err := uuid.Parse(parts[1])
		return err == nil
	}
	return false
}

// EventSink delivers events to one channel.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(e Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Notifier fans events out to sinks from a single background goroutine.
// When its buffer is full new events are dropped.
type Notifier struct {
	sinks   []EventSink
	queue   chan Event
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewNotifier starts a Notifier with the given buffer size.
func NewNotifier(logger zerolog.Logger, buffer int, sinks ...EventSink) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &Notifier{
		sinks:   sinks,
		queue:   make(chan Event, buffer),
		timeout: 5 * time.Second,
		log:     logger,
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Emit queues e for delivery.
func (n *Notifier) Emit(e Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.log.Warn().Str("type", string(e.Type)).Str("slot", e.Slot.String()).Msg("event queue full, dropping event")
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for e := range n.queue {
		for _, sink := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			if err := sink.Publish(ctx, e); err != nil {
				n.log.Warn().Err(err).Str("type", string(e.Type)).Str("slot", e.Slot.String()).Msg("event delivery failed")
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

type hubPublisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// HubSink pushes events to websocket subscribers of the doctor-day and
// reservation topics.
type HubSink struct{ hub hubPublisher }

func NewHubSink(hub hubPublisher) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	for _, topic := range e.Topics() {
		err := s.hub.Publish(ctx, websocket.Event{
			Type:      string(e.Type),
			Topic:     topic,
			Timestamp: e.OccurredAt,
			Data:      data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type messagePublisher interface {
	Publish(ctx context.Context, routingKey, messageType string, body []byte) error
}

// BrokerSink publishes events with routing key {type}.{doctor_id}.
type BrokerSink struct{ pub messagePublisher }

func NewBrokerSink(pub messagePublisher) *BrokerSink { return &BrokerSink{pub: pub} }

func (s *BrokerSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, string(e.Type)+"."+e.Slot.DoctorID, string(e.Type), body)
}
