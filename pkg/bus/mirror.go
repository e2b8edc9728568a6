package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/hub"
	"github.com/odvcencio/missionctl/pkg/logging"
)

// Mirror forwards every published mission event to the bus on
// EventSubject(prefix, missionID). Events arrive already persisted, so a bus
// consumer that misses messages can backfill from the history API.
type Mirror struct {
	bus    MessageBus
	prefix string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

var _ hub.Forwarder = (*Mirror)(nil)

// NewMirror creates a Mirror publishing under prefix.
func NewMirror(b MessageBus, prefix string, logger *slog.Logger) *Mirror {
	return &Mirror{
		bus:    b,
		prefix: prefix,
		logger: logging.Component(logger, "bus"),
	}
}

// ForwardEvent implements hub.Forwarder. It never blocks on the network.
func (m *Mirror) ForwardEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		m.failed.Add(1)
		m.logger.Error("encode mirrored event", slog.String("mission_id", e.MissionID), slog.String("error", err.Error()))
		return
	}
	if err := m.bus.Publish(context.Background(), EventSubject(m.prefix, e.MissionID), data); err != nil {
		m.failed.Add(1)
		m.logger.Warn("mirror event",
			slog.String("mission_id", e.MissionID),
			slog.Int64("sequence", e.Sequence),
			slog.String("error", err.Error()),
		)
		return
	}
	m.published.Add(1)
}

// Stats returns how many events were mirrored and how many failed.
func (m *Mirror) Stats() (published, failed int64) {
	return m.published.Load(), m.failed.Load()
}
