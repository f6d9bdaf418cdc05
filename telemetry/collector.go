package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// QueueStatsProvider reports durable delivery-queue depth.
type QueueStatsProvider interface {
	CountPending() (int, error)
}

// MetricsCollector periodically samples queue depth into the pending gauge.
type MetricsCollector struct {
	queue    QueueStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(queue QueueStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	pending, err := mc.queue.CountPending()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to sample pending delivery attempts")
		return
	}
	WebhookPending.Set(float64(pending))
}
