// Package events publishes triage case events to logs or a RabbitMQ queue.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event types emitted by the triage service.
const (
	CaseRegistered     = "case.registered"
	CaseStatusChanged  = "case.status_changed"
	CaseDoctorAssigned = "case.doctor_assigned"
	CaseNotesUpdated   = "case.notes_updated"
	CaseReopened       = "case.reopened"
)

// DefaultQueue is the queue case events go to when none is configured.
const DefaultQueue = "emergency_case_events"

// Event describes one change to an emergency case.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	CaseID     string    `json:"case_id"`
	PatientID  string    `json:"patient_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Status     string    `json:"status,omitempty"`
	Doctor     string    `json:"doctor,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// New fills in the id and timestamp of an event.
func New(eventType, caseID string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		CaseID:     caseID,
	}
}

// Publisher delivers case events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ---------------------------------------------------------------------------
// Log publisher
// ---------------------------------------------------------------------------

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("case_id", e.CaseID).
		Str("patient_id", e.PatientID).
		Str("priority", e.Priority).
		Str("status", e.Status).
		Str("doctor", e.Doctor).
		Str("actor", e.Actor).
		Msg("case event")
	return nil
}

// ---------------------------------------------------------------------------
// RabbitMQ publisher
// ---------------------------------------------------------------------------

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as persistent JSON messages to a durable queue.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    channel
	queue string
}

// DialAMQP connects to the broker at url and declares queue.
func DialAMQP(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	p, err := NewAMQPPublisher(conn, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewAMQPPublisher opens a channel on conn and declares the durable event queue.
func NewAMQPPublisher(conn *amqp.Connection, queue string) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.Type, p.queue, err)
	}
	return nil
}

// Close releases the channel and, when the publisher dialed it, the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

func publishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"message_type": "JSON",
			"case_id":      e.CaseID,
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi publishes every event to each publisher in turn and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
