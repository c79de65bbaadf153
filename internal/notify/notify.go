// Package notify carries workflow events to whoever needs to act next. Delivery
// itself (email, SMS, UI) happens downstream of these publishers.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"hierarchyflow/internal/model"

	"go.uber.org/zap"
)

type EventType string

const (
	EventCreated       EventType = "created"
	EventAssigned      EventType = "assigned"
	EventDeclined      EventType = "declined"
	EventFanOut        EventType = "fanout"
	EventFormSubmitted EventType = "form_submitted"
	EventFormReviewed  EventType = "form_reviewed"
	EventMerged        EventType = "merged"
	EventCompleted     EventType = "completed"
	EventRejected      EventType = "rejected"
	EventClosed        EventType = "closed"
	EventDeleted       EventType = "deleted"
)

// Event is emitted after a transition has been committed.
type Event struct {
	Type       EventType  `json:"type"`
	RequestID  string     `json:"request_id"`
	Title      string     `json:"title,omitempty"`
	ActorID    string     `json:"actor_id"`
	Recipients []string   `json:"recipients,omitempty"`
	Tier       model.Role `json:"tier,omitempty"`
	State      string     `json:"state,omitempty"`
	Division   string     `json:"division,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	At         time.Time  `json:"at"`
	DryRun     bool       `json:"dry_run,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.log.Info("workflow event",
		zap.String("type", string(evt.Type)),
		zap.String("request_id", evt.RequestID),
		zap.String("actor_id", evt.ActorID),
		zap.Strings("recipients", evt.Recipients),
		zap.String("tier", string(evt.Tier)),
		zap.String("division", evt.Division),
		zap.Bool("dry_run", evt.DryRun),
	)
	return nil
}

// Recorder keeps published events in memory. Tests use it to assert emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
