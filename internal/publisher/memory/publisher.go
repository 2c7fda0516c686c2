// Package memory contains an in-memory publisher used when no Pub/Sub topic
// is configured, and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	total    int
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps every message.
func New() *Publisher {
	return &Publisher{}
}

// NewWithLimit returns a memory Publisher that keeps only the most recent
// limit messages. A limit of zero or less keeps every message.
func NewWithLimit(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		drop := len(p.messages) - p.limit
		p.messages = append(p.messages[:0], p.messages[drop:]...)
	}
	p.total++
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded ingest events of the given type in publish order.
func (p *Publisher) Events(eventType string) []ingest.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ingest.Event
	for _, msg := range p.messages {
		if event, ok := msg.Payload.(ingest.Event); ok && event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
