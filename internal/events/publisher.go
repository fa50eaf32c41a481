// Package events publishes sync run outcomes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

const publishTimeout = 10 * time.Second

// Event types
const (
	EventRunCompleted = "sync.run.completed"
	EventRunAborted   = "sync.run.aborted"
)

// RunEvent is the message body published for a finished run
type RunEvent struct {
	Type            string         `json:"type"`
	RunID           string         `json:"runId"`
	Feed            string         `json:"feed"`
	Mode            types.SyncMode `json:"mode"`
	State           types.RunState `json:"state"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	DurationMs      int64          `json:"durationMs"`
	PagesFetched    int            `json:"pagesFetched"`
	Created         int            `json:"created"`
	Updated         int            `json:"updated"`
	Unchanged       int            `json:"unchanged"`
	Skipped         int            `json:"skipped"`
	Failed          int            `json:"failed"`
	Duplicates      int            `json:"duplicates"`
	Enriched        int            `json:"enriched"`
	Exhausted       bool           `json:"exhausted"`
	CursorCommitted string         `json:"cursorCommitted,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// NewRunEvent builds the event for a finished run
func NewRunEvent(run *models.SyncRun) *RunEvent {
	ev := &RunEvent{
		Type:            EventRunCompleted,
		RunID:           run.ID,
		Feed:            run.Feed,
		Mode:            run.Mode,
		State:           run.State,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		DurationMs:      run.Duration().Milliseconds(),
		PagesFetched:    run.PagesFetched,
		Created:         run.Created,
		Updated:         run.Updated,
		Unchanged:       run.Unchanged,
		Skipped:         run.Skipped,
		Failed:          run.Failed,
		Duplicates:      run.Duplicates,
		Enriched:        run.Enriched,
		Exhausted:       run.Exhausted,
		CursorCommitted: run.CursorCommitted,
	}
	if run.State == types.RunStateAborted {
		ev.Type = EventRunAborted
	}
	if run.Error != nil {
		ev.Error = *run.Error
	}
	return ev
}

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends run events to a RabbitMQ exchange
type AMQPPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         channel
	exchange   string
	routingKey string
}

// DialAMQPPublisher connects to RabbitMQ and declares the events exchange
func DialAMQPPublisher(cfg config.EventsConfig) (*AMQPPublisher, error) {
	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("events: AMQP URL is not configured")
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("events: failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: failed to declare exchange '%s': %w", cfg.Exchange, err)
	}

	p := newAMQPPublisher(ch, cfg.Exchange, cfg.RoutingKey)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch channel, exchange, routingKey string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, routingKey: routingKey}
}

// ReportRun publishes the outcome of run
func (p *AMQPPublisher) ReportRun(ctx context.Context, run *models.SyncRun) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":  "AMQPPublisher",
		"exchange":   p.exchange,
		"routingKey": p.routingKey,
		"runId":      run.ID,
	})

	ev := NewRunEvent(run)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		MessageId:    run.ID,
		Headers:      amqp.Table{"x-feed": run.Feed, "x-state": string(run.State)},
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("events: publisher is closed")
	}
	if p.conn != nil && p.conn.IsClosed() {
		return fmt.Errorf("events: connection is closed")
	}
	if err := p.ch.PublishWithContext(publishCtx, p.exchange, p.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("events: failed to publish run %s: %w", run.ID, err)
	}

	logger.WithField("type", ev.Type).Debug("Published sync run event")
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

// LogReporter writes run outcomes to the log
type LogReporter struct{}

// ReportRun logs a one-line summary of run
func (LogReporter) ReportRun(ctx context.Context, run *models.SyncRun) error {
	ev := NewRunEvent(run)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event":   ev.Type,
		"runId":   ev.RunID,
		"feed":    ev.Feed,
		"created": ev.Created,
		"updated": ev.Updated,
		"failed":  ev.Failed,
	}).Info("Sync run finished")
	return nil
}

// Reporter receives finished runs
type Reporter interface {
	ReportRun(ctx context.Context, run *models.SyncRun) error
}

// MultiReporter fans a run out to several reporters. Every reporter is
// called even when an earlier one fails.
type MultiReporter []Reporter

// ReportRun implements Reporter
func (m MultiReporter) ReportRun(ctx context.Context, run *models.SyncRun) error {
	var errs []error
	for _, r := range m {
		if err := r.ReportRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
