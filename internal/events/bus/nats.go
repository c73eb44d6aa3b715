package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// SubjectPrefix is prepended to the event type to form the mirror subject,
// e.g. voxd.events.chat_appended.
const SubjectPrefix = "voxd.events."

// Mirror republishes every bus event to NATS so external consumers can tap
// the relay's event stream without holding a WebSocket connection. The mirror
// is strictly one-way; nothing is consumed from NATS.
type Mirror struct {
	conn   *nats.Conn
	sub    *Subscription
	logger *logger.Logger
	done   chan struct{}
}

// NewMirror connects to NATS and starts forwarding events from the bus.
func NewMirror(url string, b *Bus, log *logger.Logger) (*Mirror, error) {
	mlog := log.WithFields(zap.String("component", "nats-mirror"))

	opts := []nats.Option{
		nats.Name("voxd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				mlog.Warn("NATS disconnected", zap.Error(err))
			} else {
				mlog.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			mlog.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				mlog.Error("NATS connection closed", zap.Error(err))
			} else {
				mlog.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	m := &Mirror{
		conn:   conn,
		sub:    b.Subscribe(),
		logger: mlog,
		done:   make(chan struct{}),
	}
	go m.forward()

	mlog.Info("connected to NATS", zap.String("url", url))
	return m, nil
}

func (m *Mirror) forward() {
	defer close(m.done)

	for ev := range m.sub.Events() {
		data, err := MarshalFrame(ev)
		if err != nil {
			m.logger.Error("failed to marshal event frame",
				zap.String("event_type", ev.EventType()),
				zap.Error(err))
			continue
		}

		subject := SubjectPrefix + ev.EventType()
		if err := m.conn.Publish(subject, data); err != nil {
			m.logger.Warn("failed to mirror event",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

// Close stops forwarding and drains the NATS connection.
func (m *Mirror) Close() {
	m.sub.Unsubscribe()
	<-m.done

	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("error draining NATS connection", zap.Error(err))
		m.conn.Close()
	}
}
