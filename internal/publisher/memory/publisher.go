// Package memory keeps published completions in process. The local runtime
// uses it when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
	// Data is the JSON form subscribers would receive.
	Data []byte
}

// Publisher records messages and fans them out to subscribers.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	limit    int
	seq      int
	subs     []chan Message
}

// New returns a Publisher keeping at most limit messages; zero keeps all.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish implements task.Publisher.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{
		ID:      fmt.Sprintf("memory-%d", p.seq),
		Topic:   topic,
		Payload: payload,
		Data:    data,
	}
	p.messages = append(p.messages, msg)
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	for _, ch := range p.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg.ID, nil
}

// Subscribe returns a channel receiving future messages. Slow readers miss
// messages rather than blocking publishers.
func (p *Publisher) Subscribe(buffer int) <-chan Message {
	ch := make(chan Message, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Messages returns a copy of the retained messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
