package otel

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "halyard"

// Metrics holds all halyard metric instruments.
type Metrics struct {
	EventsEmitted        metric.Int64Counter
	EventPersistFailures metric.Int64Counter
	SessionsActive       metric.Int64UpDownCounter
	GitOpsInflight       metric.Int64UpDownCounter
	TerminalBytes        metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsEmitted, err = meter.Int64Counter("halyard.events.emitted",
		metric.WithDescription("Session events appended to the event log"))
	if err != nil {
		return nil, err
	}

	m.EventPersistFailures, err = meter.Int64Counter("halyard.events.persist_failures",
		metric.WithDescription("Session events that failed to persist"))
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("halyard.sessions.active",
		metric.WithDescription("Sessions currently in a non-terminal state"))
	if err != nil {
		return nil, err
	}

	m.GitOpsInflight, err = meter.Int64UpDownCounter("halyard.git.ops_inflight",
		metric.WithDescription("Git subprocesses currently running"))
	if err != nil {
		return nil, err
	}

	m.TerminalBytes, err = meter.Int64Counter("halyard.terminal.bytes",
		metric.WithDescription("Bytes of terminal output fanned out to subscribers"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

var (
	instrumentsOnce sync.Once
	instruments     *Metrics
)

// Instruments returns the process-wide instrument set, created on first use.
// Instrument names are static, so creation cannot fail at runtime; without an
// installed meter provider the instruments are no-ops.
func Instruments() *Metrics {
	instrumentsOnce.Do(func() {
		m, err := NewMetrics()
		if err != nil {
			m = &Metrics{}
		}
		instruments = m
	})
	return instruments
}
