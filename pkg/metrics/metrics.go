package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
	"go.uber.org/zap"
)

// Metric names recorded by the sync engine.
const (
	MetricLoadCycles     = "waconsole_load_cycles"
	MetricLoadFailures   = "waconsole_load_failures"
	MetricCacheFallbacks = "waconsole_cache_fallbacks"
	MetricRateLimitHits  = "waconsole_ratelimit_hits"
	MetricRealtimeEvents = "waconsole_realtime_events"
	MetricQRGenerated    = "waconsole_qr_generated"
	MetricSystemCPU      = "waconsole_system_cpu"
	MetricSystemMem      = "waconsole_system_mem"
)

var (
	mu      sync.RWMutex
	storage tstorage.Storage
)

// InitMetrics opens the embedded time-series store under the application
// workdir. Safe to call once at startup; recording before Init is a no-op.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithPartitionDuration(6*time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	mu.Unlock()
	return nil
}

// Record appends one data point to the named metric. Best-effort: failures
// are logged, never propagated to the caller.
func Record(metric string, value float64) {
	mu.RLock()
	s := storage
	mu.RUnlock()
	if s == nil {
		return
	}
	err := s.InsertRows([]tstorage.Row{
		{Metric: metric, DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value}},
	})
	if err != nil {
		zap.L().Debug("metrics insert failed", zap.String("metric", metric), zap.Error(err))
	}
}

// Incr records a single-count occurrence of the named metric.
func Incr(metric string) {
	Record(metric, 1)
}

// Select returns the data points of one metric within [start, end].
func Select(metric string, start, end int64) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	s := storage
	mu.RUnlock()
	if s == nil {
		return nil, nil
	}
	return s.Select(metric, nil, start, end)
}

// Close flushes and closes the metrics store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
