// Package notification fans confirmed transitions out to real-time publishers.
// Delivery is best-effort: failures are logged and counted but never reach the
// caller that produced the event.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrPublish wraps every publisher failure.
var ErrPublish = errors.New("notification publish failed")

// AdminChannel receives a redacted summary of every transition.
const AdminChannel = "admin"

const patientChannelPrefix = "patient:"

// Event kinds.
const (
	KindQueueChanged   = "queue.status_changed"
	KindQueueRenumber  = "queue.renumbered"
	KindJourneyChanged = "journey.stage_changed"
)

// PatientChannel is the per-patient channel carrying the full projection.
func PatientChannel(patientID uuid.UUID) string {
	return patientChannelPrefix + patientID.String()
}

// PatientFromChannel returns the patient a channel belongs to, if any.
func PatientFromChannel(channel string) (uuid.UUID, bool) {
	if len(channel) <= len(patientChannelPrefix) || channel[:len(patientChannelPrefix)] != patientChannelPrefix {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(channel[len(patientChannelPrefix):])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Summary is the redacted form of a transition sent to the admin channel.
type Summary struct {
	Kind        string `json:"kind"`
	PatientRef  string `json:"patient_ref"`
	EntityID    string `json:"entity_id,omitempty"`
	ExamID      string `json:"exam_id,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	QueueNumber int    `json:"queue_number,omitempty"`
}

// PatientRef is the short reference shown on the admin board. The full id
// only travels on the patient channel.
func PatientRef(patientID uuid.UUID) string {
	return patientID.String()[:8]
}

// TransitionEvent is what the engine emits after a commit.
type TransitionEvent struct {
	SubjectID  uuid.UUID
	Kind       string
	Payload    interface{}
	Summary    Summary
	OccurredAt time.Time
}

// Message is one channel delivery.
type Message struct {
	Channel    string          `json:"channel"`
	Kind       string          `json:"kind"`
	Origin     string          `json:"origin,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher delivers messages to one transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Name() string
}

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(ev TransitionEvent)
}

// Recorder observes delivery outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	PublishFailed(publisher string)
	FanoutDropped()
}

type nopRecorder struct{}

func (nopRecorder) PublishFailed(string) {}
func (nopRecorder) FanoutDropped()       {}

// Messages expands an event into its patient and admin deliveries.
func Messages(ev TransitionEvent, origin string) ([]Message, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	summary, err := json.Marshal(ev.Summary)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return []Message{
		{Channel: PatientChannel(ev.SubjectID), Kind: ev.Kind, Origin: origin, OccurredAt: ev.OccurredAt, Data: payload},
		{Channel: AdminChannel, Kind: ev.Kind, Origin: origin, OccurredAt: ev.OccurredAt, Data: summary},
	}, nil
}

// Options configures a Dispatcher.
type Options struct {
	Buffer         int
	Workers        int
	PublishTimeout time.Duration
	// Origin tags outgoing messages so relays can skip their own instance.
	Origin   string
	Recorder Recorder
}

// Dispatcher queues events in a bounded buffer and publishes them from a
// fixed pool of workers. A full buffer drops the event.
type Dispatcher struct {
	publishers []Publisher
	opts       Options
	logger     zerolog.Logger

	mu      sync.RWMutex
	events  chan TransitionEvent
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(logger zerolog.Logger, opts Options, publishers ...Publisher) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Dispatcher{
		publishers: publishers,
		opts:       opts,
		logger:     logger.With().Str("component", "fanout").Logger(),
		events:     make(chan TransitionEvent, opts.Buffer),
	}
}

// Start launches the workers. It is a no-op when already started.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Close stops accepting events, drains the buffer and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	started := d.started
	d.mu.Unlock()

	if !started {
		for ev := range d.events {
			d.deliver(ev)
		}
		return
	}
	d.wg.Wait()
}

// Emit never blocks.
func (d *Dispatcher) Emit(ev TransitionEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.events <- ev:
	default:
		d.drop(ev, "buffer full")
	}
}

func (d *Dispatcher) drop(ev TransitionEvent, reason string) {
	d.opts.Recorder.FanoutDropped()
	d.logger.Warn().
		Str("kind", ev.Kind).
		Str("subject_id", ev.SubjectID.String()).
		Str("reason", reason).
		Msg("transition event dropped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev TransitionEvent) {
	msgs, err := Messages(ev, d.opts.Origin)
	if err != nil {
		d.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("transition event not encodable")
		d.opts.Recorder.FanoutDropped()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.PublishTimeout)
	defer cancel()

	var g errgroup.Group
	for _, p := range d.publishers {
		for _, m := range msgs {
			p, m := p, m
			g.Go(func() error {
				if err := p.Publish(ctx, m); err != nil {
					d.opts.Recorder.PublishFailed(p.Name())
					d.logger.Warn().
						Err(err).
						Str("publisher", p.Name()).
						Str("channel", m.Channel).
						Str("kind", m.Kind).
						Msg("publish failed")
					return fmt.Errorf("%w: %s: %v", ErrPublish, p.Name(), err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}
