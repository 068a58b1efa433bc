package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an operator-facing notification.
type Alert struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Kind     string    `json:"kind"`
	Symbol   string    `json:"symbol,omitempty"`
	Message  string    `json:"message"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(a Alert) error {
	ev := s.Logger.Warn()
	if a.Severity == SeverityCritical {
		ev = s.Logger.Error()
	}
	ev.Str("alert", a.Kind).Str("severity", a.Severity).Str("symbol", a.Symbol).Msg(a.Message)
	return nil
}

// Recent keeps the last N alerts for the status API.
type Recent struct {
	mu   sync.Mutex
	size int
	buf  []Alert
}

// NewRecent creates a ring of size alerts; size <= 0 defaults to 50.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 50
	}
	return &Recent{size: size}
}

func (r *Recent) Send(a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, a)
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
	return nil
}

// List returns alerts newest first.
func (r *Recent) List() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.buf))
	for i, a := range r.buf {
		out[len(r.buf)-1-i] = a
	}
	return out
}
