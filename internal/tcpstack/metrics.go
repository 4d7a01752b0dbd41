package tcpstack

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports per-connection engine state as Prometheus gauges. It is
// registered against a Stack and walks the stack's live connections on each
// scrape rather than caching samples between them.
type Collector struct {
	stack *Stack

	state      *prometheus.Desc
	cwnd       *prometheus.Desc
	ssthresh   *prometheus.Desc
	srtt       *prometheus.Desc
	rto        *prometheus.Desc
	unacked    *prometheus.Desc
	pending    *prometheus.Desc
	reorder    *prometheus.Desc
	retransmit *prometheus.Desc

	mu sync.Mutex
}

// NewCollector builds a Collector for stack. constLabels are attached to
// every exported metric, typically an instance or listener identifier.
func NewCollector(stack *Stack, constLabels prometheus.Labels) *Collector {
	labels := []string{"local", "remote"}
	return &Collector{
		stack:      stack,
		state:      prometheus.NewDesc("tcpstack_conn_state", "RFC 793 connection state, as the State enum ordinal.", labels, constLabels),
		cwnd:       prometheus.NewDesc("tcpstack_conn_cwnd_bytes", "Current NewReno congestion window.", labels, constLabels),
		ssthresh:   prometheus.NewDesc("tcpstack_conn_ssthresh_bytes", "Current NewReno slow start threshold.", labels, constLabels),
		srtt:       prometheus.NewDesc("tcpstack_conn_srtt_seconds", "Smoothed round-trip time estimate.", labels, constLabels),
		rto:        prometheus.NewDesc("tcpstack_conn_rto_seconds", "Current retransmission timeout.", labels, constLabels),
		unacked:    prometheus.NewDesc("tcpstack_conn_unacked_bytes", "Bytes sent but not yet acknowledged (snd_nxt - snd_una).", labels, constLabels),
		pending:    prometheus.NewDesc("tcpstack_conn_pending_segments", "Segments awaiting acknowledgment or retransmission.", labels, constLabels),
		reorder:    prometheus.NewDesc("tcpstack_conn_reorder_segments", "Out-of-order segments currently held in the reorder buffer.", labels, constLabels),
		retransmit: prometheus.NewDesc("tcpstack_conns_total", "Number of connections currently tracked by the stack.", nil, constLabels),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.state
	descs <- c.cwnd
	descs <- c.ssthresh
	descs <- c.srtt
	descs <- c.rto
	descs <- c.unacked
	descs <- c.pending
	descs <- c.reorder
	descs <- c.retransmit
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stack.mu.Lock()
	conns := make(map[connID]*Conn, len(c.stack.conns))
	for id, conn := range c.stack.conns {
		conns[id] = conn
	}
	c.stack.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.retransmit, prometheus.GaugeValue, float64(len(conns)))

	for _, conn := range conns {
		local, remote := conn.Local.String(), conn.Remote.String()
		metrics <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(conn.state), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.unacked, prometheus.GaugeValue, float64(conn.sndNxt.Diff(conn.sndUna)), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(conn.retransmit.pendingCount()), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.reorder, prometheus.GaugeValue, float64(conn.recvBuf.pending()), local, remote)

		if conn.cc != nil {
			metrics <- prometheus.MustNewConstMetric(c.cwnd, prometheus.GaugeValue, float64(conn.cc.cwnd), local, remote)
			metrics <- prometheus.MustNewConstMetric(c.ssthresh, prometheus.GaugeValue, float64(conn.cc.ssthresh), local, remote)
		}
		if conn.rtt != nil && conn.rtt.primed {
			metrics <- prometheus.MustNewConstMetric(c.srtt, prometheus.GaugeValue, conn.rtt.srtt.Seconds(), local, remote)
			metrics <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, conn.rtt.rto().Seconds(), local, remote)
		}
	}
}
