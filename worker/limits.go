package worker

import (
	"runtime"
	"time"

	"listproc/config"
)

// MemoryGauge reports the process's current resident usage in bytes.
type MemoryGauge func() uint64

// RuntimeMemory approximates resident usage from the Go runtime.
func RuntimeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased
}

// budget tracks the limits of one cycle.
type budget struct {
	limits config.Limits
	start  time.Time
	now    func() time.Time
	memory MemoryGauge
}

func (b budget) elapsed() time.Duration {
	return b.now().Sub(b.start)
}

func (b budget) memoryLimit() uint64 {
	return uint64(b.limits.MemoryLimitMB) * 1024 * 1024
}

// exhausted names the time or count budget that is used up, or "".
func (b budget) exhausted(processed int) string {
	if b.elapsed() >= b.limits.MaxExecutionTime {
		return "time"
	}
	if processed >= b.limits.MaxMessagesPerRun {
		return "count"
	}
	return ""
}

// check adds the memory threshold to exhausted.
func (b budget) check(processed int) string {
	if reason := b.exhausted(processed); reason != "" {
		return reason
	}
	if float64(b.memory()) > float64(b.memoryLimit())*b.limits.MemoryThreshold {
		return "memory"
	}
	return ""
}

// headroom is the memory left below the configured limit.
func (b budget) headroom() uint64 {
	used := b.memory()
	limit := b.memoryLimit()
	if used >= limit {
		return 0
	}
	return limit - used
}
