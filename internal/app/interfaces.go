package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/waconsole/config"
	"go.etcd.io/bbolt"
)

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// BusProvider provides the internal command/event bus
type BusProvider interface {
	Bus() EventBus.Bus
}

// CacheDBProvider provides the session cache database handle.
// The handle may be nil when the cache could not be opened; consumers must
// treat a nil handle as "cache absent", never as an error.
type CacheDBProvider interface {
	CacheDB() *bbolt.DB
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// AppContext combines all provider interfaces for full application context.
// Services should depend on specific providers or this combined interface.
type AppContext interface {
	ConfigProvider
	BusProvider
	CacheDBProvider
	SchedulerProvider

	// Release releases application resources
	Release()
}
