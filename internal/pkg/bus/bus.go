// Package bus publishes blueprint lifecycle events.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types. The subject of an event is "<prefix>.<type>".
const (
	EventCreated       = "created"
	EventCreateFailed  = "create_failed"
	EventUpdated       = "updated"
	EventDestroyed     = "destroyed"
	EventDestroyFailed = "destroy_failed"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "nfvcl.blueprint"

// Event is one lifecycle notification.
type Event struct {
	Type          string    `json:"type"`
	BlueprintID   string    `json:"blueprint_id"`
	BlueprintType string    `json:"blueprint_type"`
	ParentBlueID  string    `json:"parent_blue_id,omitempty"`
	Operation     string    `json:"operation,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Time          time.Time `json:"time"`
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subject returns the subject of an event type under prefix.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.TrimSuffix(prefix, ".") + "." + eventType
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// JetStream publishes events to a NATS JetStream stream.
type JetStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

var _ Publisher = (*JetStream)(nil)

// Options configures NewJetStream.
type Options struct {
	URL           string
	SubjectPrefix string
	// Stream is created on connect when missing, capturing "<prefix>.>".
	Stream string
}

// NewJetStream connects to NATS and makes sure the event stream exists.
func NewJetStream(opts Options, natsOpts ...nats.Option) (*JetStream, error) {
	if opts.URL == "" {
		return nil, errors.New("connect event bus: nats url is empty")
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	if opts.Stream != "" {
		if err := ensureStream(js, opts.Stream, prefix); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return &JetStream{conn: nc, js: js, prefix: prefix}, nil
}

func ensureStream(js nats.JetStreamContext, name, prefix string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("look up stream %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{strings.TrimSuffix(prefix, ".") + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Publish encodes ev as JSON and publishes it on its subject.
func (b *JetStream) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	subj := Subject(b.prefix, ev.Type)
	if _, err := b.js.Publish(subj, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// Close drains the connection.
func (b *JetStream) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
