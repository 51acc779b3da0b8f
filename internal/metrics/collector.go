// Package metrics implements the Prometheus collector exposed at
// /metrics: queue depth and utilization for each bridge lane, cumulative
// send retries, inbox occupancy and eviction count, and the XmppClient's
// current connection state. Every value is computed at scrape time from
// the live components rather than mirrored into separate counters, so
// there is nothing here to keep in sync as the bridge runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cronus42/jabber-mcp/internal/bridge"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

var connectionStates = []xmppclient.State{
	xmppclient.StateDisconnected,
	xmppclient.StateConnecting,
	xmppclient.StateConnected,
	xmppclient.StateDegraded,
	xmppclient.StateReconnecting,
}

// Collector implements prometheus.Collector over a Bridge, Inbox, and
// XmppClient.
type Collector struct {
	bridge *bridge.Bridge
	inbox  *inbox.Inbox
	client xmppclient.Client

	queueDepth       *prometheus.Desc
	queueUtilization *prometheus.Desc
	retryTotal       *prometheus.Desc
	inboxSize        *prometheus.Desc
	inboxEvictedTotal *prometheus.Desc
	connectionState  *prometheus.Desc
}

// NewCollector builds a Collector reading live state from b, ib, and client.
func NewCollector(b *bridge.Bridge, ib *inbox.Inbox, client xmppclient.Client) *Collector {
	return &Collector{
		bridge: b,
		inbox:  ib,
		client: client,

		queueDepth: prometheus.NewDesc(
			"jabber_mcp_queue_depth",
			"Number of items currently waiting in a bridge queue.",
			[]string{"queue"}, nil,
		),
		queueUtilization: prometheus.NewDesc(
			"jabber_mcp_queue_utilization_ratio",
			"Fraction of a bridge queue's capacity currently occupied, in [0,1].",
			[]string{"queue"}, nil,
		),
		retryTotal: prometheus.NewDesc(
			"jabber_mcp_send_retries_total",
			"Lifetime count of outbound send retries after a transient failure.",
			nil, nil,
		),
		inboxSize: prometheus.NewDesc(
			"jabber_mcp_inbox_size",
			"Number of records currently held in the inbox.",
			nil, nil,
		),
		inboxEvictedTotal: prometheus.NewDesc(
			"jabber_mcp_inbox_evicted_total",
			"Lifetime count of inbox records evicted to stay within capacity.",
			nil, nil,
		),
		connectionState: prometheus.NewDesc(
			"jabber_mcp_connection_state",
			"1 for the XmppClient's current connection state, 0 for every other state.",
			[]string{"state"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueUtilization
	ch <- c.retryTotal
	ch <- c.inboxSize
	ch <- c.inboxEvictedTotal
	ch <- c.connectionState
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.bridge.Stats()
	c.collectQueue(ch, "incoming", stats.IncomingDepth, stats.IncomingCapacity)
	c.collectQueue(ch, "outgoing", stats.OutgoingDepth, stats.OutgoingCapacity)
	c.collectQueue(ch, "priority", stats.PriorityDepth, stats.PriorityCapacity)
	ch <- prometheus.MustNewConstMetric(c.retryTotal, prometheus.CounterValue, float64(stats.RetryTotal))

	ibStats := c.inbox.Stats()
	ch <- prometheus.MustNewConstMetric(c.inboxSize, prometheus.GaugeValue, float64(ibStats.Total))
	ch <- prometheus.MustNewConstMetric(c.inboxEvictedTotal, prometheus.CounterValue, float64(ibStats.Evicted))

	current := c.client.State()
	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.connectionState, prometheus.GaugeValue, v, string(s))
	}
}

func (c *Collector) collectQueue(ch chan<- prometheus.Metric, name string, depth, capacity int) {
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth), name)
	var utilization float64
	if capacity > 0 {
		utilization = float64(depth) / float64(capacity)
	}
	ch <- prometheus.MustNewConstMetric(c.queueUtilization, prometheus.GaugeValue, utilization, name)
}
