package metrics

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type DBStatsProvider interface {
	Stats() sql.DBStats
}

// DBPoolGauges groups the gauges fed by CollectDBPoolStats so tests can pass
// unregistered vectors.
type DBPoolGauges struct {
	Open         *prometheus.GaugeVec
	InUse        *prometheus.GaugeVec
	Idle         *prometheus.GaugeVec
	WaitCount    *prometheus.GaugeVec
	WaitDuration *prometheus.GaugeVec
}

func DefaultDBPoolGauges() DBPoolGauges {
	return DBPoolGauges{
		Open:         DBPoolOpen,
		InUse:        DBPoolInUse,
		Idle:         DBPoolIdle,
		WaitCount:    DBPoolWaitCount,
		WaitDuration: DBPoolWaitDurationSeconds,
	}
}

// CollectDBPoolStats snapshots the pool into the gauges. A panicking provider
// is reported as an error.
func CollectDBPoolStats(db DBStatsProvider, chain string, gauges DBPoolGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.Open.WithLabelValues(chain).Set(float64(stats.OpenConnections))
	gauges.InUse.WithLabelValues(chain).Set(float64(stats.InUse))
	gauges.Idle.WithLabelValues(chain).Set(float64(stats.Idle))
	gauges.WaitCount.WithLabelValues(chain).Set(float64(stats.WaitCount))
	gauges.WaitDuration.WithLabelValues(chain).Set(stats.WaitDuration.Seconds())
	return nil
}
