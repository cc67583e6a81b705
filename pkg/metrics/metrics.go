// Package metrics exposes the channel master's counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sambigeara/lonip/pkg/types"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Drop reasons.
const (
	DropAuth             = "auth"
	DropMalformed        = "malformed"
	DropVendor           = "vendor"
	DropNonAuthoritative = "non_authoritative"
	DropStaleRouting     = "stale_routing"
	DropDuplicateMembers = "duplicate_members"
	DropQueueFull        = "queue_full"
	DropUnknownSource    = "unknown_source"
)

var (
	PacketsTotalMeta = MetricMeta{
		Name:   "lonip_packets_total",
		Help:   "Total number of channel datagrams by direction and message type.",
		Labels: []string{"direction", "type"},
	}
	DropsTotalMeta = MetricMeta{
		Name:   "lonip_drops_total",
		Help:   "Total number of inbound messages discarded.",
		Labels: []string{"reason"},
	}
	SegmentsDroppedTotalMeta = MetricMeta{
		Name: "lonip_segments_dropped_total",
		Help: "Total number of escrowed segments discarded as stale.",
	}
	PersistWritesTotalMeta = MetricMeta{
		Name:   "lonip_persist_writes_total",
		Help:   "Total number of durable configuration writes by result.",
		Labels: []string{"result"},
	}
	MembersMeta = MetricMeta{
		Name: "lonip_members",
		Help: "Number of entries in the channel member table.",
	}
	ConnectStateMeta = MetricMeta{
		Name: "lonip_connect_state",
		Help: "Channel connect state: 0 not active, 1 config out of date, 2 active.",
	}
)

type MetricMeta struct {
	Name   string
	Help   string
	Labels []string
}

func (mm *MetricMeta) NewCounterVec(f promauto.Factory) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{Name: mm.Name, Help: mm.Help}, mm.Labels)
}

func (mm *MetricMeta) NewCounter(f promauto.Factory) prometheus.Counter {
	return f.NewCounter(prometheus.CounterOpts{Name: mm.Name, Help: mm.Help})
}

func (mm *MetricMeta) NewGauge(f promauto.Factory) prometheus.Gauge {
	return f.NewGauge(prometheus.GaugeOpts{Name: mm.Name, Help: mm.Help})
}

// Metrics is the set exported by one channel master.
type Metrics struct {
	PacketsTotal         *prometheus.CounterVec
	DropsTotal           *prometheus.CounterVec
	SegmentsDroppedTotal prometheus.Counter
	PersistWritesTotal   *prometheus.CounterVec
	Members              prometheus.Gauge
	ConnectState         prometheus.Gauge
}

// New registers the metrics with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsTotal:         PacketsTotalMeta.NewCounterVec(f),
		DropsTotal:           DropsTotalMeta.NewCounterVec(f),
		SegmentsDroppedTotal: SegmentsDroppedTotalMeta.NewCounter(f),
		PersistWritesTotal:   PersistWritesTotalMeta.NewCounterVec(f),
		Members:              MembersMeta.NewGauge(f),
		ConnectState:         ConnectStateMeta.NewGauge(f),
	}
}

func (m *Metrics) Packet(direction string, t types.MsgType) {
	m.PacketsTotal.WithLabelValues(direction, t.String()).Inc()
}

func (m *Metrics) Drop(reason string) {
	m.DropsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) PersistResult(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistWritesTotal.WithLabelValues(result).Inc()
}
