package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("clinic_id", ev.ClinicID).
		Str("patient_id", ev.PatientID).
		Interface("payload", ev.Payload).
		Msg(ev.Message)
	return nil
}

// ---------------------------------------------------------------------------
// HubSink
// ---------------------------------------------------------------------------

// HubSink publishes to websocket subscribers of the clinic, the patient and
// the firehose topic.
type HubSink struct {
	hub websocket.EventPublisher
}

func NewHubSink(hub websocket.EventPublisher) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	frame := websocket.Event{
		Type:      string(ev.Type),
		ClinicID:  ev.ClinicID,
		PatientID: ev.PatientID,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		Data:      data,
	}

	topics := []string{websocket.TopicAll}
	if ev.ClinicID != "" {
		topics = append(topics, websocket.ClinicTopic(ev.ClinicID))
	}
	if ev.PatientID != "" {
		topics = append(topics, websocket.PatientTopic(ev.PatientID))
	}
	for _, topic := range topics {
		frame.Topic = topic
		if err := s.hub.Publish(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// KVSink
// ---------------------------------------------------------------------------

// EventTTL bounds how long the key-value event log keeps an event.
const EventTTL = 24 * time.Hour

const eventPrefix = "event:"

// KVSink appends events to the key-value store under
// event:{clinic}:{unixnano}:{suffix}, readable through Recent.
type KVSink struct {
	store kv.Store
	ttl   time.Duration
}

func NewKVSink(store kv.Store) *KVSink {
	return &KVSink{store: store, ttl: EventTTL}
}

func (s *KVSink) Name() string { return "kv" }

// EventKey is the store key of ev.
func EventKey(ev Event) string {
	suffix := ev.ID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		suffix = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s%s:%019d:%s", eventPrefix, ev.ClinicID, ev.Timestamp.UnixNano(), suffix)
}

func (s *KVSink) Emit(ctx context.Context, ev Event) error {
	return kv.PutJSON(ctx, s.store, EventKey(ev), ev, s.ttl)
}

// Recent returns up to limit of the newest events, newest first. An empty
// clinicID spans all clinics.
func (s *KVSink) Recent(ctx context.Context, clinicID string, limit int) ([]Event, error) {
	prefix := eventPrefix
	if clinicID != "" {
		prefix += clinicID + ":"
	}
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		var ev Event
		err := kv.GetJSON(ctx, s.store, key, &ev)
		if kv.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// PGSink
// ---------------------------------------------------------------------------

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGSink appends events to the queue_events audit table.
type PGSink struct {
	db execer
}

// NewPGSink accepts a *pgxpool.Pool or anything else with its Exec.
func NewPGSink(db execer) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if ev.Payload == nil {
		payload = []byte("{}")
	}
	var patient interface{}
	if ev.PatientID != "" {
		patient = ev.PatientID
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO queue_events (event_type, clinic_id, patient_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Type), ev.ClinicID, patient, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert queue event: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// WebhookSink
// ---------------------------------------------------------------------------

// WebhookSink POSTs each event as JSON to a fixed URL. Deliveries run in the
// background with at most maxInFlight outstanding; beyond that events are
// dropped and logged.
type WebhookSink struct {
	url      string
	client   *http.Client
	inFlight chan struct{}
	logger   zerolog.Logger
}

const maxInFlight = 16

func NewWebhookSink(url string, logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		inFlight: make(chan struct{}, maxInFlight),
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	select {
	case s.inFlight <- struct{}{}:
	default:
		return fmt.Errorf("webhook backlog full, dropped %s", ev.Type)
	}

	go func() {
		defer func() { <-s.inFlight }()
		if err := s.deliver(context.WithoutCancel(ctx), body); err != nil {
			s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("webhook delivery failed")
		}
	}()
	return nil
}

func (s *WebhookSink) deliver(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered %s", strings.TrimSpace(resp.Status))
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (s *WebhookSink) Wait(ctx context.Context) error {
	for i := 0; i < maxInFlight; i++ {
		select {
		case s.inFlight <- struct{}{}:
		case <-ctx.Done():
			for ; i > 0; i-- {
				<-s.inFlight
			}
			return ctx.Err()
		}
	}
	for i := 0; i < maxInFlight; i++ {
		<-s.inFlight
	}
	return nil
}
