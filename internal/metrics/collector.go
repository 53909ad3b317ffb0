package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/domain"
)

// StateCounter reports how many devices sit in each lifecycle state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[domain.LifecycleState]int, error)
}

// DeviceStateCollector exports director_devices{state} from the store on
// every scrape.
type DeviceStateCollector struct {
	counter StateCounter
	logger  *zap.Logger
	desc    *prometheus.Desc
}

// NewDeviceStateCollector creates a collector reading from counter.
func NewDeviceStateCollector(counter StateCounter, logger *zap.Logger) *DeviceStateCollector {
	return &DeviceStateCollector{
		counter: counter,
		logger:  logger,
		desc: prometheus.NewDesc(
			"director_devices",
			"Number of devices per lifecycle state",
			[]string{"state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *DeviceStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *DeviceStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.counter.CountByState(ctx)
	if err != nil {
		c.logger.Error("failed to count devices by state", zap.Error(err))
		return
	}
	for _, state := range domain.AllStates {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
