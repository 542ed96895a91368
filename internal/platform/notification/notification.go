// Package notification carries queue events out of the core: to live
// websocket subscribers, the structured log, a short-lived event log in the
// key-value store, the Postgres audit table and an optional webhook.
//
// Delivery is fire-and-forget. The core calls Notify and moves on; sink
// failures are logged and counted, never returned.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/metrics"
)

// ---------------------------------------------------------------------------
// Event Types
// ---------------------------------------------------------------------------

// Type names a queue event.
type Type string

const (
	TypeQueueUpdate  Type = "QUEUE_UPDATE"
	TypeYourTurn     Type = "YOUR_TURN"
	TypeStepDone     Type = "STEP_DONE_NEXT"
	TypeNearTurn     Type = "NEAR_TURN"
	TypeWarning      Type = "WARNING"
	TypeTimeout      Type = "PATIENT_TIMEOUT"
	TypePinGenerated Type = "PIN_GENERATED"
)

// Event is one occurrence worth telling someone about.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	PatientID string                 `json:"patientId,omitempty"`
	ClinicID  string                 `json:"clinicId"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// Notifier is what domain services depend on.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Message templates
// ---------------------------------------------------------------------------

// TemplateEngine renders the human-readable Message of an event from its
// payload. Placeholders are {{key}}; clinic and patient are always
// available.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Type]string
}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: map[Type]string{
			TypeQueueUpdate:  "Queue {{clinic}} updated: {{action}} ticket {{number}}",
			TypeYourTurn:     "Your turn at {{clinic}}. Number {{number}}, please proceed now",
			TypeStepDone:     "Finished {{clinic}}. Next: {{next}}",
			TypeNearTurn:     "Your turn at {{clinic}} is near. {{ahead}} ahead of you",
			TypeWarning:      "Waiting at {{clinic}} for {{elapsed_seconds}}s, close to the limit",
			TypeTimeout:      "Ticket {{number}} at {{clinic}} timed out and moved to the end of the queue",
			TypePinGenerated: "PIN issued for {{clinic}}",
		},
	}
}

// Register replaces the template for t.
func (e *TemplateEngine) Register(t Type, tmpl string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t] = tmpl
}

// Render returns the message for ev. Unknown placeholders are left as-is;
// unknown types render as an empty string.
func (e *TemplateEngine) Render(ev Event) string {
	e.mu.RLock()
	tmpl, ok := e.templates[ev.Type]
	e.mu.RUnlock()
	if !ok {
		return ""
	}

	out := strings.ReplaceAll(tmpl, "{{clinic}}", ev.ClinicID)
	out = strings.ReplaceAll(out, "{{patient}}", ev.PatientID)
	for k, v := range ev.Payload {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	if ev.Type == TypeStepDone {
		out = strings.ReplaceAll(out, "{{next}}", "wait for instructions")
	}
	return out
}

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

// Emitter stamps, renders and forwards events to a sink.
type Emitter struct {
	sink      Sink
	clock     clock.Clock
	templates *TemplateEngine
	enabled   func(ctx context.Context) bool
	logger    zerolog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithEnabled consults fn before each event; false drops it. The queue
// settings toggle is wired through here.
func WithEnabled(fn func(ctx context.Context) bool) Option {
	return func(e *Emitter) { e.enabled = fn }
}

// WithTemplates replaces the default message templates.
func WithTemplates(t *TemplateEngine) Option {
	return func(e *Emitter) { e.templates = t }
}

func NewEmitter(sink Sink, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		sink:      sink,
		clock:     clk,
		templates: NewTemplateEngine(),
		logger:    logger.With().Str("component", "notification").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Notify implements Notifier.
func (e *Emitter) Notify(ctx context.Context, ev Event) {
	if e.enabled != nil && !e.enabled(ctx) {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now().UTC()
	}
	if ev.Message == "" {
		ev.Message = e.templates.Render(ev)
	}

	metrics.RecordNotification(string(ev.Type))
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Warn().Err(err).
			Str("type", string(ev.Type)).
			Str("clinic_id", ev.ClinicID).
			Str("patient_id", ev.PatientID).
			Msg("notification delivery failed")
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Recorder keeps every event it receives. It is both a Notifier and a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Notify(ctx context.Context, ev Event) { _ = r.Emit(ctx, ev) }

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
