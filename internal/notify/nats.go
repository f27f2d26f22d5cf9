package notify

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATS publishes events to a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("objectio-notify"))
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, subject: subject}, nil
}

func (n *NATS) Name() string {
	return "nats"
}

func (n *NATS) Publish(_ context.Context, payload []byte) error {
	return n.conn.Publish(n.subject, payload)
}

func (n *NATS) Close() error {
	return n.conn.Drain()
}
