package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards published events to NATS, one subject per event type.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	log    *Logger
}

// NewNATSSink connects to url. Subjects are "<prefix>.<event type>".
func NewNATSSink(url, prefix string, log *Logger) (*NATSSink, error) {
	if prefix == "" {
		prefix = "cubeharvest.events"
	}
	if log == nil {
		log = NewNopLogger()
	}
	opts := []nats.Option{
		nats.Name("cubeharvest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSSink{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event Event) string {
	return Subject(s.prefix, event.Type)
}

// Subject joins a prefix and an event type into a NATS subject.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// Handle is an EventSubscriber publishing the event as JSON.
func (s *NATSSink) Handle(event Event) {
	if s.nc == nil || s.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode event")
		return
	}
	if err := s.nc.Publish(s.Subject(event), payload); err != nil {
		s.log.WithError(err).Warnf("failed to publish %s", event.Type)
	}
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
