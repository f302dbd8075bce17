package metrics

import (
	"time"
)

// Snapshot is a point-in-time view of the aggregate cache
type Snapshot struct {
	Cases             int
	SeriesKeys        int
	SeriesSamples     int
	Appends           int64
	FastExtends       int64
	Replacements      int64
	ResidualVariables int
}

// Source provides cache snapshots
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector periodically copies cache snapshots into gauges
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
	s := c.source.MetricsSnapshot()

	CasesCached.Set(float64(s.Cases))
	SeriesKeys.Set(float64(s.SeriesKeys))
	SeriesSamples.Set(float64(s.SeriesSamples))
	SeriesUpdates.WithLabelValues("append").Set(float64(s.Appends))
	SeriesUpdates.WithLabelValues("extend").Set(float64(s.FastExtends))
	SeriesUpdates.WithLabelValues("replace").Set(float64(s.Replacements))
	ResidualVariables.Set(float64(s.ResidualVariables))
}
