package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject prefix used when none is configured.
// Events are published to "<prefix>.<kind>".
const DefaultSubject = "taskflow.events"

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL     string
	Subject string
	Token   string
	Name    string
}

// NATSSink publishes events as JSON on NATS core subjects.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to the configured server.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "taskflow"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return newNATSSink(nc, cfg.Subject), nil
}

func newNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

// SubjectFor returns the subject an event of the given kind is published on.
func (s *NATSSink) SubjectFor(kind Kind) string {
	return s.subject + "." + string(kind)
}

// Write publishes each event on its kind subject.
func (s *NATSSink) Write(events []Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := s.nc.Publish(s.SubjectFor(e.Kind), data); err != nil {
			return fmt.Errorf("failed to publish %s: %w", e.Kind, err)
		}
	}
	return nil
}

// Subscribe delivers every event published under the sink's prefix to
// handler until ctx is done.
func (s *NATSSink) Subscribe(ctx context.Context, handler func(Event)) (*nats.Subscription, error) {
	sub, err := s.nc.Subscribe(s.subject+".>", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			handler(e)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
