// Package bus carries orchestration lifecycle events over NATS as JSON
// packets. The engines publish; interested consumers (route layer,
// dashboards, janitors) subscribe with queue groups.
package bus

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Well-known subjects.
const (
	SubjectWorkflowEvents   = "sys.workflow.events"
	SubjectWorkflowCommands = "sys.workflow.commands"
	SubjectPlanEvents       = "sys.plan.events"
	SubjectPlanCommands     = "sys.plan.commands"
	SubjectHITLRequests     = "sys.hitl.requests"
	SubjectHITLResponses    = "sys.hitl.responses"
)

// Event is one lifecycle notification.
type Event struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

var (
	errNilBus       = errors.New("nats bus not initialized")
	errNilEvent     = errors.New("nil event")
	errEmptySubject = errors.New("empty subject")
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("arcflow-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded event on the given subject.
func (b *NatsBus) Publish(subject string, event *Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if event == nil {
		return errNilEvent
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes events and invokes the
// handler. A non-empty queue joins a queue group.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*Event)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("nats bus: failed to decode event: %v", err)
			return
		}
		handler(&event)
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// IsConnected reports connection health.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}
