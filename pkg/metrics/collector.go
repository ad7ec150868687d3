package metrics

import (
	"time"

	"github.com/cuemby/berth/pkg/types"
)

// Source is the read side of the state store the collector samples
type Source interface {
	ListContainers() ([]*types.ContainerRecord, error)
	ListNetworks() ([]*types.NetworkRecord, error)
	ListQuotas() ([]*types.QuotaProfile, error)
}

// Collector periodically samples inventory gauges from the store
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectNetworkMetrics()
	c.collectQuotaMetrics()
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.source.ListContainers()
	if err != nil {
		return
	}

	counts := make(map[types.Engine]map[types.Phase]int)
	for _, ctr := range containers {
		if counts[ctr.Engine] == nil {
			counts[ctr.Engine] = make(map[types.Phase]int)
		}
		counts[ctr.Engine][ctr.Phase]++
	}

	// Reset so phases that emptied report zero instead of their last value
	ContainersTotal.Reset()
	for engine, phases := range counts {
		for phase, count := range phases {
			ContainersTotal.WithLabelValues(string(engine), string(phase)).Set(float64(count))
		}
	}
}

func (c *Collector) collectNetworkMetrics() {
	networks, err := c.source.ListNetworks()
	if err != nil {
		return
	}

	counts := make(map[types.Engine]int)
	for _, n := range networks {
		counts[n.Engine]++
	}

	NetworksTotal.Reset()
	for engine, count := range counts {
		NetworksTotal.WithLabelValues(string(engine)).Set(float64(count))
	}
}

func (c *Collector) collectQuotaMetrics() {
	profiles, err := c.source.ListQuotas()
	if err != nil {
		return
	}

	for _, p := range profiles {
		SetQuota(p)
	}
}

// SetQuota publishes a profile's usage and limits
func SetQuota(p *types.QuotaProfile) {
	for _, dim := range types.DimensionOrder {
		QuotaUsage.WithLabelValues(p.Owner, string(dim)).Set(p.Usage.Value(dim))
		QuotaLimit.WithLabelValues(p.Owner, string(dim)).Set(p.Limits.Value(dim))
	}
}
