// loadtest floods a running cwatcher daemon with WebSocket subscribers,
// optionally polls the REST overview alongside, and reports how fast
// metric frames reach the clients. Delivery latency is measured from the
// sample's collection timestamp to frame receipt, so it covers the whole
// pipeline: parse, store, fan-out, socket write.
//
//	loadtest -addr http://127.0.0.1:8080 -streams 200 -duration 1m
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/logging"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/pkg/client"
)

// Config holds load test parameters.
type Config struct {
	BaseURL        string
	Streams        int
	Duration       time.Duration
	PollInterval   time.Duration
	ReportInterval time.Duration
}

// Stats accumulates counters across every stream. The counter fields are
// touched with atomics from stream callbacks; the latency slice has its
// own lock.
type Stats struct {
	MetricFrames uint64
	StatusEvents uint64
	Disconnects  uint64
	Polls        uint64
	PollErrors   uint64

	TotalDuration time.Duration

	mu        sync.Mutex
	latencies []time.Duration
	min       time.Duration
	max       time.Duration
}

func (s *Stats) observe(lat time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, lat)
	if s.min == 0 || lat < s.min {
		s.min = lat
	}
	if lat > s.max {
		s.max = lat
	}
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "base URL of the cwatcher API")
	streams := flag.Int("streams", 100, "concurrent WebSocket subscribers")
	duration := flag.Duration("duration", 30*time.Second, "how long to hold the load")
	poll := flag.Duration("poll", 0, "interval between REST overview polls (0 = off)")
	report := flag.Duration("report", 5*time.Second, "progress reporting interval")
	flag.Parse()

	cfg := Config{
		BaseURL:        *addr,
		Streams:        *streams,
		Duration:       *duration,
		PollInterval:   *poll,
		ReportInterval: *report,
	}

	log := logging.New("info", "console")
	log.Info().
		Str("addr", cfg.BaseURL).
		Int("streams", cfg.Streams).
		Dur("duration", cfg.Duration).
		Msg("starting push fabric load test")

	stats, err := runLoadTest(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("load test aborted")
		os.Exit(1)
	}
	printResults(cfg, stats)
}

func runLoadTest(cfg Config, log zerolog.Logger) (*Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	stats := &Stats{}
	api := client.New(client.Config{BaseURL: cfg.BaseURL})

	// Fail fast if the daemon is not there before opening a few hundred
	// sockets against it.
	if _, err := api.Health(ctx); err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}

	streams := make([]*client.Stream, 0, cfg.Streams)
	defer func() {
		for _, st := range streams {
			_ = st.Close()
		}
	}()

	for i := 0; i < cfg.Streams; i++ {
		st, err := api.Stream(ctx, client.Handlers{
			OnMetrics: func(sample *models.MetricsSample) {
				atomic.AddUint64(&stats.MetricFrames, 1)
				if sample.Timestamp > 0 {
					stats.observe(time.Since(time.UnixMilli(sample.Timestamp)))
				}
			},
			OnStatusChange: func(*models.StatusEvent) {
				atomic.AddUint64(&stats.StatusEvents, 1)
			},
			OnDisconnect: func(err error) {
				if err != nil {
					atomic.AddUint64(&stats.Disconnects, 1)
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", i, err)
		}
		streams = append(streams, st)
		if err := st.Subscribe(client.Subscription{Servers: client.ServerSelector{All: true}}); err != nil {
			return nil, fmt.Errorf("subscribe %d: %w", i, err)
		}
	}
	log.Info().Int("streams", len(streams)).Msg("all subscribers connected")

	if cfg.PollInterval > 0 {
		go pollOverview(ctx, api, cfg.PollInterval, stats)
	}
	go reportProgress(ctx, stats, cfg.ReportInterval, log)

	start := time.Now()
	<-ctx.Done()
	stats.TotalDuration = time.Since(start)
	return stats, nil
}

// pollOverview keeps a REST reader in the mix so the socket fan-out and
// the query path are loaded at the same time.
func pollOverview(ctx context.Context, api *client.Client, interval time.Duration, stats *Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			atomic.AddUint64(&stats.Polls, 1)
			if _, err := api.Overview(ctx); err != nil {
				atomic.AddUint64(&stats.PollErrors, 1)
			}
		case <-ctx.Done():
			return
		}
	}
}

func reportProgress(ctx context.Context, stats *Stats, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats.mu.Lock()
			min, max := stats.min, stats.max
			stats.mu.Unlock()
			log.Info().
				Uint64("metric_frames", atomic.LoadUint64(&stats.MetricFrames)).
				Uint64("status_events", atomic.LoadUint64(&stats.StatusEvents)).
				Uint64("disconnects", atomic.LoadUint64(&stats.Disconnects)).
				Dur("lat_min", min).
				Dur("lat_max", max).
				Msg("progress")
		case <-ctx.Done():
			return
		}
	}
}

func printResults(cfg Config, stats *Stats) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	frames := atomic.LoadUint64(&stats.MetricFrames)
	perStream := float64(frames) / float64(cfg.Streams)
	throughput := float64(frames) / stats.TotalDuration.Seconds()

	divider := "----------------------------------------------------------------"
	fmt.Println(divider)
	fmt.Println("PUSH FABRIC LOAD TEST RESULTS")
	fmt.Println(divider)
	fmt.Printf("Streams:              %d\n", cfg.Streams)
	fmt.Printf("Duration:             %v\n", stats.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Metric frames:        %d (%.1f per stream)\n", frames, perStream)
	fmt.Printf("Status events:        %d\n", atomic.LoadUint64(&stats.StatusEvents))
	fmt.Printf("Unclean disconnects:  %d\n", atomic.LoadUint64(&stats.Disconnects))
	if cfg.PollInterval > 0 {
		fmt.Printf("Overview polls:       %d (%d failed)\n",
			atomic.LoadUint64(&stats.Polls), atomic.LoadUint64(&stats.PollErrors))
	}
	fmt.Printf("Throughput:           %.1f frames/sec\n", throughput)
	fmt.Println(divider)
	if len(stats.latencies) > 0 {
		fmt.Printf("Delivery latency (min):  %v\n", stats.min.Round(time.Millisecond))
		fmt.Printf("Delivery latency (avg):  %v\n", average(stats.latencies).Round(time.Millisecond))
		fmt.Printf("Delivery latency (p95):  %v\n", percentile(stats.latencies, 95).Round(time.Millisecond))
		fmt.Printf("Delivery latency (p99):  %v\n", percentile(stats.latencies, 99).Round(time.Millisecond))
		fmt.Printf("Delivery latency (max):  %v\n", stats.max.Round(time.Millisecond))
	} else {
		fmt.Println("No metric frames received. Is any server record monitored?")
	}
	fmt.Println(divider)

	if atomic.LoadUint64(&stats.Disconnects) == 0 {
		fmt.Println("PASS: every stream survived the run")
	} else {
		fmt.Println("FAIL: streams dropped during the run")
	}
}

func average(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, pct int) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
