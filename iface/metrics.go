package iface

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypat/nettcp/tcpctl"
)

// Collector implements prometheus.Collector over an Interface's live
// connection table, grounded on the Describe/Collect pair and
// mutex-guarded map iteration of runZeroInc-sockstats'
// TCPInfoCollector — the only example repo in the retrieval pack with
// a metrics dependency. Where that collector reads kernel TCP_INFO per
// socket fd, this one reads straight off the in-process Connection
// state, since there is no kernel socket backing these connections.
type Collector struct {
	ifc *Interface

	connectionsByState *prometheus.Desc
	retransmits        *prometheus.Desc
}

func newCollector() *Collector {
	return &Collector{
		connectionsByState: prometheus.NewDesc(
			"nettcp_connections",
			"Number of tracked TCP connections, by state.",
			[]string{"state"}, nil,
		),
		retransmits: prometheus.NewDesc(
			"nettcp_retransmits_total",
			"Total retransmission attempts across all connections.",
			[]string{"port"}, nil,
		),
	}
}

func (c *Collector) attach(ifc *Interface) { c.ifc = ifc }

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connectionsByState
	descs <- c.retransmits
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.ifc.mu.Lock()
	defer c.ifc.mu.Unlock()

	counts := make(map[tcpctl.State]int)
	retries := make(map[uint16]int)
	for _, entry := range c.ifc.conns {
		counts[entry.conn.State()]++
		if entry.retries > 0 {
			retries[entry.port] += entry.retries
		}
	}
	for port, n := range retries {
		metrics <- prometheus.MustNewConstMetric(
			c.retransmits, prometheus.CounterValue,
			float64(n), strconv.Itoa(int(port)),
		)
	}
	for state, n := range counts {
		metrics <- prometheus.MustNewConstMetric(
			c.connectionsByState, prometheus.GaugeValue,
			float64(n), state.String(),
		)
	}
}

// Collector returns the interface's prometheus.Collector for
// registration against a prometheus.Registry.
func (ifc *Interface) Collector() *Collector { return ifc.metrics }
