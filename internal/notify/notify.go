// Package notify publishes execution status changes to NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "switchyard.executions"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Message is the payload published for one status change.
type Message struct {
	ExecutionID string                 `json:"execution_id"`
	CallerID    string                 `json:"caller_id,omitempty"`
	Type        models.WorkflowType    `json:"type"`
	From        models.ExecutionStatus `json:"from,omitempty"`
	To          models.ExecutionStatus `json:"to"`
	At          time.Time              `json:"at"`
}

// Publisher forwards status changes from a store to NATS subjects of the form
// <prefix>.<type>.<status>, e.g. switchyard.executions.parallel.completed.
type Publisher struct {
	conn   Conn
	prefix string

	unsubscribe func()
	published   atomic.Uint64
	failed      atomic.Uint64
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("switchyard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] WARNING: disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher creates a publisher on conn. An empty prefix uses DefaultSubjectPrefix.
func NewPublisher(conn Conn, prefix string) *Publisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the subject a change is published on.
func (p *Publisher) Subject(c state.StatusChange) string {
	return p.prefix + "." + string(c.Type) + "." + string(c.To)
}

// Publish sends one change.
func (p *Publisher) Publish(c state.StatusChange) error {
	data, err := json.Marshal(Message{
		ExecutionID: c.ExecutionID,
		CallerID:    c.CallerID,
		Type:        c.Type,
		From:        c.From,
		To:          c.To,
		At:          c.At,
	})
	if err != nil {
		return fmt.Errorf("encode status change: %w", err)
	}
	if err := p.conn.Publish(p.Subject(c), data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", c.ExecutionID, err)
	}
	p.published.Add(1)
	return nil
}

// Attach subscribes the publisher to changes on n that match filter.
// Publish failures are logged and counted; they never block the store.
func (p *Publisher) Attach(n state.StatusNotifier, filter state.StatusFilter) {
	if p.unsubscribe != nil {
		return
	}
	p.unsubscribe = n.OnStatusChange(filter, func(c state.StatusChange) {
		if err := p.Publish(c); err != nil {
			if count := p.failed.Load(); count%10 == 1 {
				log.Printf("[notify] WARNING: %v (total failed: %d)", err, count)
			}
		}
	})
}

// Published returns how many changes were published.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns how many publishes failed.
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}

// Close detaches from the store, flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

var _ Conn = (*nats.Conn)(nil)
