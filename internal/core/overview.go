package core

import (
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/sshx/pool"
)

// Overview is the fleet summary for the dashboard landing view: counts by
// status plus averages over each server's newest sample. Averages are nil
// until at least one server has reported the metric.
type Overview struct {
	Servers      int            `json:"servers"`
	Monitored    int            `json:"monitored"`
	ByStatus     map[string]int `json:"by_status"`
	AvgCPU       *float64       `json:"avg_cpu_percent,omitempty"`
	AvgMemory    *float64       `json:"avg_memory_percent,omitempty"`
	AvgDisk      *float64       `json:"avg_disk_percent,omitempty"`
	SinkDegraded bool           `json:"sink_degraded"`
	GeneratedAt  int64          `json:"generated_at"`
}

func (rt *Runtime) Overview() Overview {
	servers := rt.registry.List()
	out := Overview{
		Servers:      len(servers),
		ByStatus:     make(map[string]int),
		SinkDegraded: rt.store.Degraded(),
		GeneratedAt:  rt.clock.Now().UnixMilli(),
	}
	for _, st := range rt.eval.Snapshot() {
		out.ByStatus[string(st.Kind)]++
	}

	var cpu, mem, disk mean
	for _, srv := range servers {
		if srv.MonitorEnabled {
			out.Monitored++
		}
		sample, err := rt.store.QueryLatest(srv.ID)
		if err != nil || sample == nil {
			continue
		}
		if sample.CPU != nil && sample.CPU.UsagePercent != nil {
			cpu.add(*sample.CPU.UsagePercent)
		}
		if sample.Memory != nil {
			mem.add(sample.Memory.UsagePercent)
		}
		if sample.Disk != nil {
			disk.add(sample.Disk.UsagePercent)
		}
	}
	out.AvgCPU = cpu.value()
	out.AvgMemory = mem.value()
	out.AvgDisk = disk.value()
	return out
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// Health is the liveness payload. Status is "degraded" while the sink is
// failing; the service itself keeps serving from the rings either way.
type Health struct {
	Status       string       `json:"status"`
	SinkDegraded bool         `json:"sink_degraded"`
	Servers      int          `json:"servers"`
	Connections  int          `json:"ws_connections"`
	Pools        []pool.Stats `json:"ssh_pools,omitempty"`
}

func (rt *Runtime) Health() Health {
	h := Health{
		Status:       "ok",
		SinkDegraded: rt.store.Degraded(),
		Servers:      rt.registry.Len(),
		Connections:  rt.hub.ConnCount(),
	}
	if h.SinkDegraded {
		h.Status = "degraded"
	}
	if rt.pool != nil {
		h.Pools = rt.pool.Stats()
	}
	return h
}

// ServerView is a record joined with its live status, the shape list
// responses use.
type ServerView struct {
	*models.Server
	Status models.ServerStatus `json:"status"`
}

// ServerViews returns every live record joined with its current status,
// ordered by creation time.
func (rt *Runtime) ServerViews() []ServerView {
	servers := rt.registry.List()
	statuses := statusByServer(rt.eval.Snapshot())
	out := make([]ServerView, 0, len(servers))
	for _, srv := range servers {
		out = append(out, ServerView{Server: srv, Status: statuses[srv.ID]})
	}
	return out
}

// statusByServer indexes a snapshot for joins against the registry.
func statusByServer(statuses []models.ServerStatus) map[string]models.ServerStatus {
	out := make(map[string]models.ServerStatus, len(statuses))
	for _, st := range statuses {
		out[st.ServerID] = st
	}
	return out
}
