package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots every audit subject: fhir.audit.<type>.<operation>.
const SubjectPrefix = "fhir.audit"

// Subject returns the subject an event is published on.
func Subject(e Event) string {
	rt := string(e.ResourceType)
	if rt == "" {
		rt = "system"
	}
	return strings.Join([]string{SubjectPrefix, rt, string(e.Operation)}, ".")
}

// NATSSink publishes each event as JSON.
type NATSSink struct {
	conn *nats.Conn
	own  bool
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, name string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: nc, own: true}, nil
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{conn: nc}
}

func (s *NATSSink) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := s.conn.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Close drains the connection when the sink opened it.
func (s *NATSSink) Close() error {
	if !s.own {
		return nil
	}
	return s.conn.Drain()
}
