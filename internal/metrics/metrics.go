// Package metrics exposes RFNet's Prometheus collectors: counters for
// bytes/packets/missed-acks/bit-errors accumulated across every transfer
// a Node or Link runs, plus a gauge reporting which state machine state
// is currently active.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kulaginds/rfnet/internal/link"
	"github.com/kulaginds/rfnet/internal/node"
	"github.com/kulaginds/rfnet/internal/recvblock"
	"github.com/kulaginds/rfnet/internal/sendblock"
)

// Recorder is a Prometheus-backed implementation of both link.Link's and
// node.Node's MetricsRecorder interface. The two interfaces are
// structurally identical by design, so one Recorder can be attached to
// either endpoint; Role labels every series so a Link and a Node sharing
// a registry (as in a combined test binary) don't collide.
type Recorder struct {
	state *prometheus.GaugeVec

	bytesTotal      *prometheus.CounterVec
	packetsTotal    *prometheus.CounterVec
	missedAcksTotal prometheus.Counter
	acksSentTotal   prometheus.Counter
	bitErrorsTotal  *prometheus.CounterVec
	transfersTotal  *prometheus.CounterVec

	activeState string
}

var _ link.MetricsRecorder = (*Recorder)(nil)
var _ node.MetricsRecorder = (*Recorder)(nil)

// New registers an rfnet_* collector set for one endpoint (role is
// "node" or "link", used as a constant label) against reg and returns a
// Recorder ready to attach via (*link.Link).SetMetrics or
// (*node.Node).SetMetrics.
func New(reg prometheus.Registerer, role string) *Recorder {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role}

	return &Recorder{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "rfnet",
			Name:        "state",
			Help:        "1 for the state machine's current state, 0 for all others.",
			ConstLabels: labels,
		}, []string{"state"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "transfer_bytes_total",
			Help:        "Payload bytes sent or received across completed transfers.",
			ConstLabels: labels,
		}, []string{"direction"}),
		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "transfer_packets_total",
			Help:        "Data/Ack frames sent or received across completed transfers.",
			ConstLabels: labels,
		}, []string{"direction"}),
		missedAcksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "send_missed_acks_total",
			Help:        "Retransmits triggered by a missing or NACKed Ack.",
			ConstLabels: labels,
		}),
		acksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "recv_acks_sent_total",
			Help:        "Acks (including NACKs) sent back to a sender.",
			ConstLabels: labels,
		}),
		bitErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "fec_corrected_errors_total",
			Help:        "Byte errors corrected by Reed-Solomon FEC across completed transfers.",
			ConstLabels: labels,
		}, []string{"direction"}),
		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rfnet",
			Name:        "transfers_total",
			Help:        "Completed transfers, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
	}
}

// SetState zeroes the previously active state's gauge and sets the new
// one, so exactly one rfnet_state series reads 1 at a time per role.
func (r *Recorder) SetState(state string) {
	if r.activeState != "" {
		r.state.WithLabelValues(r.activeState).Set(0)
	}
	r.activeState = state
	r.state.WithLabelValues(state).Set(1)
}

// ObserveSend records one completed outbound transfer's counters.
func (r *Recorder) ObserveSend(s sendblock.Stats) {
	r.bytesTotal.WithLabelValues("sent").Add(float64(s.BytesSent))
	r.packetsTotal.WithLabelValues("sent").Add(float64(s.PacketsSent))
	r.missedAcksTotal.Add(float64(s.MissedAcks))
	r.bitErrorsTotal.WithLabelValues("sent").Add(float64(s.RecvBitErr))
	r.transfersTotal.WithLabelValues("sent").Inc()
}

// ObserveRecv records one completed inbound transfer's counters.
func (r *Recorder) ObserveRecv(s recvblock.Stats) {
	r.bytesTotal.WithLabelValues("received").Add(float64(s.RecvBytes))
	r.packetsTotal.WithLabelValues("received").Add(float64(s.PacketsReceived))
	r.acksSentTotal.Add(float64(s.AcksSent))
	r.bitErrorsTotal.WithLabelValues("received").Add(float64(s.RecvBitErr))
	r.transfersTotal.WithLabelValues("received").Inc()
}

// Handler serves the registry's collected metrics in the text
// exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
