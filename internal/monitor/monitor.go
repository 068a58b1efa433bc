package monitor

import (
	"context"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
)

// Monitor feeds bus traffic into metrics and alert sinks.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sinks   []AlertSink
	Logger  zerolog.Logger
}

// Start consumes the bus until ctx is done. The returned channel closes
// once the consumer has exited.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if m.Bus == nil {
		m.Logger.Warn().Msg("monitor not fully configured; skipping")
		close(done)
		return done
	}
	stream, unsub := m.Bus.SubscribeAll(256)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
	return done
}

func (m *Monitor) handle(msg events.Message) {
	if m.Metrics != nil {
		m.Metrics.ObserveEvent(msg)
	}
	a, ok := Evaluate(msg)
	if !ok {
		return
	}
	for _, s := range m.Sinks {
		if err := s.Send(a); err != nil {
			m.Logger.Warn().Err(err).Str("alert", a.Kind).Msg("alert delivery failed")
		}
	}
}
