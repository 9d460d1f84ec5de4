package influx

import (
	"runtime"
	"time"
)

func GoProbePoints(now time.Time) Points {
	return Points{
		goProbeGoroutinesPoint(now),
		goProbeMemoryPoint(now),
	}
}

func goProbeGoroutinesPoint(now time.Time) *Point {
	fields := Fields{
		"count": Integer(int64(runtime.NumGoroutine())),
	}

	return NewPointWithTimestamp("go_goroutines", Tags{}, fields, now)
}

func goProbeMemoryPoint(now time.Time) *Point {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	fields := Fields{
		"heap_alloc":    Integer(int64(stats.HeapAlloc)),
		"heap_sys":      Integer(int64(stats.HeapSys)),
		"heap_idle":     Integer(int64(stats.HeapIdle)),
		"heap_in_use":   Integer(int64(stats.HeapInuse)),
		"heap_released": Integer(int64(stats.HeapReleased)),

		"stack_in_use": Integer(int64(stats.StackInuse)),
		"stack_sys":    Integer(int64(stats.StackSys)),

		"nb_gcs":               Integer(int64(stats.NumGC)),
		"gc_cpu_time_fraction": Float(stats.GCCPUFraction),
	}

	return NewPointWithTimestamp("go_memory", Tags{}, fields, now)
}
