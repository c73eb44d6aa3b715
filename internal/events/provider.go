package events

import (
	"fmt"
	"strings"

	"github.com/voxd/voxd/internal/common/config"
	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events/bus"
)

// ProvidedBus wraps the in-process bus plus the optional NATS mirror.
type ProvidedBus struct {
	Bus    *bus.Bus
	Mirror *bus.Mirror
}

// Provide builds the event bus and, when configured, the NATS mirror.
// The returned cleanup stops the mirror before closing the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	b := bus.New(cfg.Bus.QueueSize, log)

	if strings.TrimSpace(cfg.Bus.NATSURL) == "" {
		cleanup := func() error {
			b.Close()
			return nil
		}
		return &ProvidedBus{Bus: b}, cleanup, nil
	}

	mirror, err := bus.NewMirror(cfg.Bus.NATSURL, b, log)
	if err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("failed to initialize NATS mirror: %w", err)
	}
	cleanup := func() error {
		mirror.Close()
		b.Close()
		return nil
	}
	return &ProvidedBus{Bus: b, Mirror: mirror}, cleanup, nil
}
