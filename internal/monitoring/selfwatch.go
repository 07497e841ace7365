package monitoring

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	selfSampleInterval = 15 * time.Second

	// Warning ceilings for the daemon's own footprint. Crossing one logs
	// a warning once per excursion, not once per sample.
	warnCPUPercent = 80.0
	warnRSSBytes   = 1 << 30
)

// SelfWatcher periodically samples the daemon's own resource usage and
// publishes it through the self gauges. CPU readings are smoothed with an
// exponential moving average to avoid spikes.
type SelfWatcher struct {
	metrics *Metrics
	log     zerolog.Logger
	proc    *process.Process

	mu         sync.Mutex
	cpuPercent float64
	overCPU    bool
	overRSS    bool

	stop chan struct{}
	done chan struct{}
}

// NewSelfWatcher creates a watcher that is not yet running.
func NewSelfWatcher(metrics *Metrics, log zerolog.Logger) *SelfWatcher {
	// Own PID always resolves; a nil proc only means CPU and RSS stay
	// unreported on platforms gopsutil does not cover.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SelfWatcher{
		metrics: metrics,
		log:     log,
		proc:    proc,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (w *SelfWatcher) Start() {
	// Prime the CPU counters so the first real reading has a baseline.
	if w.proc != nil {
		_, _ = w.proc.Percent(0)
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(selfSampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.sample()
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (w *SelfWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *SelfWatcher) sample() {
	if w.proc != nil {
		w.sampleProcess()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	w.metrics.SelfHeapBytes.Set(float64(ms.HeapAlloc))
	w.metrics.SelfGoroutines.Set(float64(runtime.NumGoroutine()))
}

func (w *SelfWatcher) sampleProcess() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Percent(0) reports usage since the previous call, which is exactly
	// one sample interval here.
	pct, err := w.proc.Percent(0)
	if err != nil {
		w.log.Debug().Err(err).Msg("self cpu sample unavailable")
	} else {
		if w.cpuPercent == 0 {
			w.cpuPercent = pct
		} else {
			const alpha = 0.3
			w.cpuPercent = alpha*pct + (1-alpha)*w.cpuPercent
		}
		w.metrics.SelfCPUPercent.Set(w.cpuPercent)

		over := w.cpuPercent > warnCPUPercent
		if over && !w.overCPU {
			w.log.Warn().Float64("cpu_percent", w.cpuPercent).Msg("daemon cpu usage above ceiling")
		}
		w.overCPU = over
	}

	mem, err := w.proc.MemoryInfo()
	if err != nil {
		w.log.Debug().Err(err).Msg("self memory sample unavailable")
		return
	}
	w.metrics.SelfRSSBytes.Set(float64(mem.RSS))

	over := mem.RSS > warnRSSBytes
	if over && !w.overRSS {
		w.log.Warn().Uint64("rss_bytes", mem.RSS).Msg("daemon memory usage above ceiling")
	}
	w.overRSS = over
}
