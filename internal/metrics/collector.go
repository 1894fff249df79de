package metrics

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// OutboxStats contains outbox statistics for metrics
type OutboxStats struct {
	Pending  int64
	Sending  int64
	Deferred int64
	Sent     int64
	Failed   int64
	Total    int64
}

// OutboxStatsProvider provides outbox statistics for metrics
type OutboxStatsProvider interface {
	OutboxStats(ctx context.Context) (*OutboxStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// ShadowCounters maps a counter family name to its values keyed by the
// joined label values.
type ShadowCounters map[string]map[string]float64

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	outbox        OutboxStatsProvider
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector backed by db
func NewCollector(db *bolt.DB, m *Metrics, outbox OutboxStatsProvider, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		outbox:        outbox,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.gaugeLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// persistedCounters lists the counter families that survive restarts.
func (c *Collector) persistedCounters() map[string]func(labels []string, v float64) {
	m := c.metrics
	return map[string]func([]string, float64){
		"nftmarket_mail_sent_total": func(_ []string, v float64) {
			m.MailSentTotal.Add(v)
		},
		"nftmarket_mail_failed_total": func(l []string, v float64) {
			if len(l) == 1 {
				m.MailFailedTotal.WithLabelValues(l[0]).Add(v)
			}
		},
		"nftmarket_mail_deferred_total": func(_ []string, v float64) {
			m.MailDeferredTotal.Add(v)
		},
		"nftmarket_new_listings_total": func(_ []string, v float64) {
			m.NewListingsTotal.Add(v)
		},
		"nftmarket_notifications_queued_total": func(_ []string, v float64) {
			m.NotificationsQueued.Add(v)
		},
	}
}

// loadCounters restores persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	var shadow ShadowCounters
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &shadow); err != nil {
			shadow = nil // Skip invalid data
		}
		return nil
	})
	if err != nil || shadow == nil {
		return err
	}

	restore := c.persistedCounters()

	for family, values := range shadow {
		apply, ok := restore[family]
		if !ok {
			continue
		}
		for key, v := range values {
			apply(splitLabelKey(key), v)
		}
	}
	return nil
}

// Snapshot gathers the current values of the persisted counter families.
func (c *Collector) Snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	keep := c.persistedCounters()
	shadow := ShadowCounters{}
	for _, mf := range families {
		if _, ok := keep[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		values := make(map[string]float64, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			values[labelKey(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		shadow[mf.GetName()] = values
	}
	return shadow, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	shadow, err := c.Snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(shadow)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// gaugeLoop periodically updates system and outbox gauges
func (c *Collector) gaugeLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.collectGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges collects current process and outbox state
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.outbox != nil {
		stats, err := c.outbox.OutboxStats(ctx)
		if err == nil {
			c.metrics.OutboxSize.Set(float64(stats.Pending + stats.Deferred))
			c.metrics.OutboxSending.Set(float64(stats.Sending))
			c.metrics.OutboxDeferred.Set(float64(stats.Deferred))
		}
	}
}

func labelKey(labels []*dto.LabelPair) string {
	sorted := make([]*dto.LabelPair, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GetName() < sorted[j].GetName() })

	values := make([]string, len(sorted))
	for i, l := range sorted {
		values[i] = l.GetValue()
	}
	return strings.Join(values, "|")
}

func splitLabelKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "|")
}
