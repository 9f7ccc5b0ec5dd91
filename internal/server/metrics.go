// Package server exposes chat counters in the Prometheus text exposition
// format.
package server

import (
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Metrics counts connection and session events. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	accepted      atomic.Uint64
	rejected      atomic.Uint64
	active        atomic.Int64
	sessionErrors atomic.Uint64
	rateLimited   atomic.Uint64
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) incAccepted() {
	if m != nil {
		m.accepted.Add(1)
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejected.Add(1)
	}
}

func (m *Metrics) incSessionErrors() {
	if m != nil {
		m.sessionErrors.Add(1)
	}
}

func (m *Metrics) incRateLimited() {
	if m != nil {
		m.rateLimited.Add(1)
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.active.Add(1)
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.active.Add(-1)
	}
}

// Active returns the number of sessions currently running.
func (m *Metrics) Active() int64 {
	if m == nil {
		return 0
	}
	return m.active.Load()
}

// Families assembles the metric families for the room and these counters.
func (m *Metrics) Families(room *Room) []*dto.MetricFamily {
	stats := room.Hub().Stats()

	historyLen := 0
	if h, ok := room.History().(interface{ Len() int }); ok {
		historyLen = h.Len()
	} else {
		historyLen = len(room.History().Snapshot())
	}

	return []*dto.MetricFamily{
		counterFamily("relaychat_connections_accepted_total", "Connections admitted to a session.", float64(m.accepted.Load())),
		counterFamily("relaychat_connections_rejected_total", "Connections refused because the server was full.", float64(m.rejected.Load())),
		gaugeFamily("relaychat_sessions_active", "Sessions currently running.", float64(m.active.Load())),
		counterFamily("relaychat_session_errors_total", "Sessions that ended with a transport or protocol error.", float64(m.sessionErrors.Load())),
		counterFamily("relaychat_lines_rate_limited_total", "Inbound lines discarded by the rate limiter.", float64(m.rateLimited.Load())),
		counterFamily("relaychat_messages_published_total", "Messages published to the hub.", float64(stats.Published)),
		counterFamily("relaychat_deliveries_total", "Messages queued for a subscriber.", float64(stats.Delivered)),
		counterFamily("relaychat_deliveries_dropped_total", "Messages lost to full subscriber queues.", float64(stats.Dropped)),
		counterFamily("relaychat_subscribers_evicted_total", "Subscribers disconnected for a full queue.", float64(stats.Evicted)),
		gaugeFamily("relaychat_subscribers", "Live hub subscriptions.", float64(stats.Subscribers)),
		gaugeFamily("relaychat_history_entries", "Messages held for replay.", float64(historyLen)),
	}
}

// WriteText encodes Families as Prometheus text.
func (m *Metrics) WriteText(w io.Writer, room *Room) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range m.Families(room) {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func counterFamily(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(value)}},
		},
	}
}

func gaugeFamily(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(value)}},
		},
	}
}
