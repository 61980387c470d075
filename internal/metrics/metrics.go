// Package metrics keeps the relay's counters and meters in a go-metrics
// registry and reports them as JSON.
package metrics

import (
	"context"
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Names of the series recorded by the relay.
const (
	Peers      = "peers"
	Sessions   = "sessions"
	LinesIn    = "lines.in"
	LinesOut   = "lines.out"
	Broadcasts = "broadcasts"
	Drops      = "drops"
	Overflows  = "overflows"
	ReadErrors = "read.errors"
	Backlog    = "queue.backlog"
)

// Metrics wraps a go-metrics registry. A nil *Metrics records nothing.
type Metrics struct {
	reg gometrics.Registry
}

// New returns Metrics backed by a fresh registry.
func New() *Metrics {
	return &Metrics{reg: gometrics.NewRegistry()}
}

func (m *Metrics) Incr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *Metrics) Decr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m *Metrics) Mark(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}

// Update sets a gauge.
func (m *Metrics) Update(name string, v int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterGauge(name, m.reg).Update(v)
}

// Count returns the current value of a counter or gauge, or the total of a meter.
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	switch metric := m.reg.Get(name).(type) {
	case gometrics.Counter:
		return metric.Count()
	case gometrics.Meter:
		return metric.Count()
	case gometrics.Gauge:
		return metric.Value()
	default:
		return 0
	}
}

// WriteOnce writes a JSON snapshot of every registered series to w.
func (m *Metrics) WriteOnce(w io.Writer) {
	if m == nil {
		return
	}
	gometrics.WriteJSONOnce(m.reg, w)
}

// Report writes a snapshot to w every tick until ctx is done, then writes a
// final one.
func (m *Metrics) Report(ctx context.Context, w io.Writer, tick time.Duration) {
	if m == nil || tick <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.WriteOnce(w)
		case <-ctx.Done():
			m.WriteOnce(w)
			return
		}
	}
}
