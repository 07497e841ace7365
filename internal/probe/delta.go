package probe

import (
	"time"

	"github.com/cwatcher/backend/internal/models"
)

// State carries one server's cross-cycle carryover: the previous
// /proc/stat jiffies and the previous network counters with their read
// time. The scheduler owns one State per server and calls into it from a
// single goroutine; it is not safe for concurrent use.
type State struct {
	cpu   *CPUStat
	net   map[string]netCounters
	netAt time.Time
}

type netCounters struct {
	rx, tx uint64
}

func NewState() *State {
	return &State{}
}

// Reset drops all carryover. The next cycle warms up from scratch, so no
// rate or usage figure ever spans a disconnect.
func (s *State) Reset() {
	s.cpu = nil
	s.net = nil
	s.netAt = time.Time{}
}

// CPURecord folds a jiffy snapshot together with the load and uptime
// parses into one record, differencing usage against the previous
// snapshot. The first snapshot yields Warmup with usage omitted, as does
// a jiffy total that went backwards, which means the host rebooted.
func (s *State) CPURecord(cur *CPUStat, load *LoadAvg, up *UptimeInfo) *models.CPURecord {
	if cur == nil && load == nil && up == nil {
		return nil
	}
	rec := &models.CPURecord{}
	if load != nil {
		rec.Load1, rec.Load5, rec.Load15 = load.Load1, load.Load5, load.Load15
	}
	if up != nil {
		rec.UptimeSeconds = up.UptimeSeconds
	}
	if cur == nil {
		// No snapshot this cycle. Keep the old one so the next good
		// read differences across the gap instead of warming up again.
		rec.Warmup = s.cpu == nil
		return rec
	}
	rec.Cores = cur.Cores
	prev := s.cpu
	s.cpu = cur
	if prev == nil || cur.Total() < prev.Total() {
		rec.Warmup = true
		return rec
	}
	dTotal := cur.Total() - prev.Total()
	if dTotal == 0 {
		rec.Warmup = true
		return rec
	}
	dIdle := float64(cur.Idle) - float64(prev.Idle)
	busy := (float64(dTotal) - dIdle) / float64(dTotal) * 100
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	v := round2(busy)
	rec.UsagePercent = &v
	return rec
}

// NetworkRecord attaches byte rates to a counter snapshot by differencing
// against the previous one. Counter subtraction is unsigned, so a counter
// that wrapped its 64-bit range still yields the true delta. An interface
// seen for the first time gets nil rates until the next cycle.
func (s *State) NetworkRecord(cur *NetSnapshot, at time.Time) *models.NetworkRecord {
	if cur == nil {
		return nil
	}
	rec := &models.NetworkRecord{}
	if len(cur.Interfaces) > 0 {
		rec.Interfaces = make([]models.NetworkInterface, len(cur.Interfaces))
	}
	elapsed := at.Sub(s.netAt).Seconds()
	havePrev := s.net != nil && elapsed > 0
	var sumRx, sumTx float64
	haveRate := false
	for i, ifc := range cur.Interfaces {
		out := ifc
		rec.TotalRxBytes += ifc.RxBytes
		rec.TotalTxBytes += ifc.TxBytes
		if havePrev {
			if prev, ok := s.net[ifc.Name]; ok {
				rx := round2(float64(ifc.RxBytes-prev.rx) / elapsed)
				tx := round2(float64(ifc.TxBytes-prev.tx) / elapsed)
				out.RxBps, out.TxBps = &rx, &tx
				sumRx += rx
				sumTx += tx
				haveRate = true
			}
		}
		rec.Interfaces[i] = out
	}
	if haveRate {
		rx, tx := round2(sumRx), round2(sumTx)
		rec.RxBps, rec.TxBps = &rx, &tx
	}
	next := make(map[string]netCounters, len(cur.Interfaces))
	for _, ifc := range cur.Interfaces {
		next[ifc.Name] = netCounters{rx: ifc.RxBytes, tx: ifc.TxBytes}
	}
	s.net = next
	s.netAt = at
	return rec
}

// Assemble merges one cycle's per-key results into a sample stamped with
// the cycle start, advancing the carryover state. Failed or missing keys
// leave their sub-record nil; parse warnings from every key are flattened
// into the sample. Identity fields (ID, ServerID, Seq, Status) and the
// cycle elapsed time are the caller's to fill.
func (s *State) Assemble(results map[Key]Result, cycleStart time.Time) *models.MetricsSample {
	sample := &models.MetricsSample{
		Timestamp: cycleStart.UnixMilli(),
	}
	var (
		cpu  *CPUStat
		load *LoadAvg
		up   *UptimeInfo
	)
	if r, ok := results[KeyCPU]; ok && r.Err == nil {
		cpu = r.Payload.CPU
	}
	if r, ok := results[KeyLoad]; ok && r.Err == nil {
		load = r.Payload.Load
	}
	if r, ok := results[KeyUptime]; ok && r.Err == nil {
		up = r.Payload.Uptime
	}
	sample.CPU = s.CPURecord(cpu, load, up)
	if r, ok := results[KeyMemory]; ok && r.Err == nil {
		sample.Memory = r.Payload.Memory
	}
	if r, ok := results[KeyDisk]; ok && r.Err == nil {
		sample.Disk = r.Payload.Disk
	}
	if r, ok := results[KeyNetwork]; ok && r.Err == nil {
		sample.Network = s.NetworkRecord(r.Payload.Network, cycleStart)
	}
	for _, k := range keyOrder {
		r, ok := results[k]
		if !ok {
			continue
		}
		for _, w := range r.Warnings {
			sample.Warnings = append(sample.Warnings, w.String())
		}
	}
	return sample
}

// BuildSystemInfo turns parsed host facts into the stored record,
// borrowing total memory and interface names from the sample when the
// facts alone cannot supply them.
func BuildSystemInfo(serverID string, facts *HostFacts, sample *models.MetricsSample, at time.Time) *models.SystemInfo {
	if facts == nil {
		return nil
	}
	info := &models.SystemInfo{
		ServerID:      serverID,
		Hostname:      facts.Hostname,
		OS:            facts.OS,
		KernelVersion: facts.KernelVersion,
		Architecture:  facts.Architecture,
		CPUModel:      facts.CPUModel,
		CPUCores:      facts.CPUCores,
		CPUThreads:    facts.CPUThreads,
		CollectedAt:   at,
	}
	if sample != nil {
		if sample.Memory != nil {
			info.TotalMemBytes = sample.Memory.TotalBytes
		}
		if sample.Network != nil {
			for _, ifc := range sample.Network.Interfaces {
				info.InterfaceNames = append(info.InterfaceNames, ifc.Name)
			}
		}
		if info.CPUCores == 0 && sample.CPU != nil {
			info.CPUCores = sample.CPU.Cores
		}
	}
	return info
}
