package relay

import (
	"context"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"freelanco/internal/domain"
)

const defaultSubjectPrefix = "freelanco"

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes every event to <prefix>.<event type>.
type NATS struct {
	Conn   Publisher
	Prefix string
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("freelanco-relay"),
		nats.MaxReconnects(-1),
	)
}

func (n NATS) Name() string { return "nats:" + n.prefix() }

func (n NATS) Accept(string) bool { return true }

func (n NATS) prefix() string {
	p := strings.Trim(strings.TrimSpace(n.Prefix), ".")
	if p == "" {
		return defaultSubjectPrefix
	}
	return p
}

// Subject returns the subject an event type is published on.
func (n NATS) Subject(eventType string) string {
	return n.prefix() + "." + eventType
}

func (n NATS) Deliver(_ context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(evt.Type))
	msg.Data = data
	// JetStream deduplicates on this header.
	msg.Header.Set(nats.MsgIdHdr, strconv.FormatInt(evt.ID, 10))
	msg.Header.Set(HeaderEvent, evt.Type)
	return n.Conn.PublishMsg(msg)
}
