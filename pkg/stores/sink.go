package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// writeTimeout bounds one append so a stuck database cannot wedge the sink.
const writeTimeout = 5 * time.Second

// EventSink writes every event published on a bus to a store.
type EventSink struct {
	store   EventStore
	rx      *events.Receiver
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewEventSink subscribes to bus immediately; events published after this call
// are persisted once Run starts.
func NewEventSink(store EventStore, bus *events.Broadcaster, tel *telemetry.Telemetry) *EventSink {
	tel = telemetry.OrNop(tel)
	return &EventSink{
		store:   store,
		rx:      bus.Subscribe(),
		logger:  tel.Logger.NewComponentLogger("event-sink"),
		metrics: tel.Metrics,
	}
}

// Run persists events until ctx is done or the bus closes. Write failures and
// lag are logged and skipped.
func (s *EventSink) Run(ctx context.Context) error {
	for {
		event, err := s.rx.Recv(ctx)
		switch {
		case errors.Is(err, events.ErrClosed):
			return nil
		case events.IsLagged(err):
			s.logger.WithError(err).Warn("event sink fell behind, events were not persisted")
			continue
		case err != nil:
			return err
		}

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		_, err = s.store.AppendEvent(wctx, event)
		cancel()
		if err != nil {
			s.metrics.RecordStoreWrite("error")
			s.logger.WithError(err).WithField("snowflake", event.Snowflake.String()).Error("failed to persist event")
			continue
		}
		s.metrics.RecordStoreWrite("ok")
	}
}
