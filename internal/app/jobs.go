package app

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/talkincode/waconsole/pkg/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	if loc == nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))

	// Sample process/system usage into the metrics store once a minute.
	_, err := a.sched.AddFunc("@every 60s", a.sampleSystemMetrics)
	if err != nil {
		zap.L().Error("failed to register system metrics job", zap.Error(err))
	}

	// Compact the session cache once an hour so the bbolt file does not grow
	// unbounded from repeated blob rewrites.
	_, err = a.sched.AddFunc("@every 1h", a.compactCache)
	if err != nil {
		zap.L().Error("failed to register cache compact job", zap.Error(err))
	}

	a.sched.Start()
}

func (a *Application) sampleSystemMetrics() {
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		metrics.Record(metrics.MetricSystemCPU, percents[0])
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		metrics.Record(metrics.MetricSystemMem, float64(mi.RSS))
	}
}

func (a *Application) compactCache() {
	db := a.CacheDB()
	if db == nil {
		return
	}
	// bbolt reclaims free pages on write; a no-op update is enough to trigger
	// a sync and keep the freelist persisted.
	if err := db.Sync(); err != nil {
		zap.L().Warn("session cache sync failed", zap.Error(err))
	}
}
