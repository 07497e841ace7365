package probe

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cwatcher/backend/internal/models"
)

// ParseWarning flags a recoverable defect in one command's output. The
// affected fields stay absent rather than defaulting to zero, so a
// truncated line can never masquerade as an idle machine.
type ParseWarning struct {
	Key     Key    `json:"key"`
	Message string `json:"message"`
}

func (w ParseWarning) String() string {
	return string(w.Key) + ": " + w.Message
}

// Payload is the tagged result of parsing one command's output. Exactly
// the field matching Kind is set; a nil field means the metric is missing
// for this cycle and the warnings say why.
//
// CPU and network parses stay as raw counter snapshots here. Usage and
// rate figures need the previous cycle's counters and are derived by
// State, which the scheduler owns per server.
type Payload struct {
	Kind    Key
	CPU     *CPUStat
	Memory  *models.MemoryRecord
	Disk    *models.DiskRecord
	Network *NetSnapshot
	SysInfo *HostFacts
	Uptime  *UptimeInfo
	Load    *LoadAvg
}

// CPUStat is one /proc/stat snapshot: the aggregate jiffy counters plus
// the number of per-core rows seen.
type CPUStat struct {
	User      uint64 `json:"user"`
	Nice      uint64 `json:"nice"`
	System    uint64 `json:"system"`
	Idle      uint64 `json:"idle"`
	IOWait    uint64 `json:"iowait"`
	IRQ       uint64 `json:"irq"`
	SoftIRQ   uint64 `json:"softirq"`
	Steal     uint64 `json:"steal"`
	Guest     uint64 `json:"guest"`
	GuestNice uint64 `json:"guest_nice"`
	Cores     int    `json:"cores"`
}

// Total sums every jiffy column, busy and idle alike.
func (s *CPUStat) Total() uint64 {
	return s.User + s.Nice + s.System + s.Idle + s.IOWait + s.IRQ + s.SoftIRQ + s.Steal + s.Guest + s.GuestNice
}

// NetSnapshot holds cumulative per-interface counters from one
// /proc/net/dev read, in file order, loopback excluded.
type NetSnapshot struct {
	Interfaces []models.NetworkInterface `json:"interfaces"`
}

// HostFacts is the parsed sysinfo output: uname fields plus whatever
// /proc/cpuinfo and /etc/os-release yielded. Absent facts stay empty.
type HostFacts struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	KernelName    string `json:"kernel_name"`
	KernelVersion string `json:"kernel_version"`
	Architecture  string `json:"architecture"`
	CPUModel      string `json:"cpu_model"`
	CPUCores      int    `json:"cpu_cores"`
	CPUThreads    int    `json:"cpu_threads"`
}

// UptimeInfo is the /proc/uptime pair.
type UptimeInfo struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	IdleSeconds   float64 `json:"idle_seconds"`
}

// LoadAvg is the /proc/loadavg triple.
type LoadAvg struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// splitLines splits command output into lines, tolerating CRLF and a
// trailing newline.
func splitLines(b []byte) []string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func emptyOutput(key Key) []ParseWarning {
	return []ParseWarning{{Key: key, Message: "empty output"}}
}

// parseCPUStat reads the aggregate jiffy row of /proc/stat and counts the
// per-core rows. At least the first four columns (user nice system idle)
// must parse; later columns are zero on kernels that do not report them.
func parseCPUStat(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyCPU}
	lines := splitLines(raw.Stdout)
	if len(lines) == 0 {
		return p, emptyOutput(KeyCPU)
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return p, []ParseWarning{{Key: KeyCPU, Message: "first line is not the aggregate cpu row"}}
	}
	vals := make([]uint64, 0, 10)
	for _, f := range fields[1:] {
		if len(vals) == 10 {
			break
		}
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return p, []ParseWarning{{Key: KeyCPU, Message: fmt.Sprintf("bad jiffy count %q", f)}}
		}
		vals = append(vals, v)
	}
	st := &CPUStat{}
	dst := []*uint64{&st.User, &st.Nice, &st.System, &st.Idle, &st.IOWait, &st.IRQ, &st.SoftIRQ, &st.Steal, &st.Guest, &st.GuestNice}
	for i, v := range vals {
		*dst[i] = v
	}
	for _, ln := range lines[1:] {
		if len(ln) > 3 && strings.HasPrefix(ln, "cpu") && ln[3] >= '0' && ln[3] <= '9' {
			st.Cores++
		}
	}
	var warns []ParseWarning
	if st.Cores == 0 {
		warns = append(warns, ParseWarning{Key: KeyCPU, Message: "no per-core rows"})
	}
	p.CPU = st
	return p, warns
}

// parseFree reads `free -b`. Rows are addressed by position, not label,
// so translated headers cannot break the parse: line 1 is memory, line 2
// is swap. Used memory is total minus available, which is what operators
// read off free's output, not free's own used column.
func parseFree(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyMemory}
	lines := splitLines(raw.Stdout)
	if len(lines) == 0 {
		return p, emptyOutput(KeyMemory)
	}
	if len(lines) < 2 {
		return p, []ParseWarning{{Key: KeyMemory, Message: "missing memory row"}}
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 7 {
		return p, []ParseWarning{{Key: KeyMemory, Message: fmt.Sprintf("memory row has %d columns, want 7", len(fields))}}
	}
	cols := make([]uint64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return p, []ParseWarning{{Key: KeyMemory, Message: fmt.Sprintf("bad memory column %q", fields[i+1])}}
		}
		cols[i] = v
	}
	rec := &models.MemoryRecord{
		TotalBytes:     cols[0],
		FreeBytes:      cols[2],
		SharedBytes:    cols[3],
		BuffCacheBytes: cols[4],
		AvailableBytes: cols[5],
	}
	var warns []ParseWarning
	if rec.AvailableBytes <= rec.TotalBytes {
		rec.UsedBytes = rec.TotalBytes - rec.AvailableBytes
	} else {
		warns = append(warns, ParseWarning{Key: KeyMemory, Message: "available exceeds total, falling back to used column"})
		rec.UsedBytes = cols[1]
	}
	if rec.TotalBytes > 0 {
		rec.UsagePercent = round2(float64(rec.UsedBytes) / float64(rec.TotalBytes) * 100)
	}
	if len(lines) >= 3 {
		sw := strings.Fields(lines[2])
		if len(sw) >= 4 {
			st, errT := strconv.ParseUint(sw[1], 10, 64)
			su, errU := strconv.ParseUint(sw[2], 10, 64)
			sf, errF := strconv.ParseUint(sw[3], 10, 64)
			if errT == nil && errU == nil && errF == nil {
				rec.SwapTotalBytes = st
				rec.SwapUsedBytes = su
				rec.SwapFreeBytes = sf
				if st > 0 {
					rec.SwapUsagePercent = round2(float64(su) / float64(st) * 100)
				}
			} else {
				warns = append(warns, ParseWarning{Key: KeyMemory, Message: "bad swap row"})
			}
		}
	}
	p.Memory = rec
	return p, warns
}

// Mountpoints that hold kernel plumbing rather than data. Matched
// exactly against df's mount column.
var pseudoMounts = map[string]bool{
	"/dev":  true,
	"/sys":  true,
	"/proc": true,
	"/run":  true,
}

// parseDF reads `df -B1`, keeping real block devices only: the device
// must live under /dev/, the mountpoint must not be kernel plumbing, and
// snap loop mounts are dropped because they are permanently 100% full.
// Unparseable rows are skipped with a warning; the overall figure is the
// sum over kept rows.
func parseDF(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyDisk}
	lines := splitLines(raw.Stdout)
	if len(lines) == 0 {
		return p, emptyOutput(KeyDisk)
	}
	rec := &models.DiskRecord{}
	var warns []ParseWarning
	for _, ln := range lines[1:] {
		fields := strings.Fields(ln)
		if len(fields) < 6 {
			continue
		}
		device, mount := fields[0], fields[5]
		if !strings.HasPrefix(device, "/dev/") {
			continue
		}
		if pseudoMounts[mount] {
			continue
		}
		if strings.Contains(device, "snap") || mount == "/snap" || strings.HasPrefix(mount, "/snap/") {
			continue
		}
		total, errT := strconv.ParseUint(fields[1], 10, 64)
		used, errU := strconv.ParseUint(fields[2], 10, 64)
		free, errF := strconv.ParseUint(fields[3], 10, 64)
		pct, errP := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
		if errT != nil || errU != nil || errF != nil || errP != nil {
			warns = append(warns, ParseWarning{Key: KeyDisk, Message: fmt.Sprintf("unparseable row for %s", device)})
			continue
		}
		rec.Partitions = append(rec.Partitions, models.DiskPartition{
			Device:       device,
			Mountpoint:   mount,
			TotalBytes:   total,
			UsedBytes:    used,
			FreeBytes:    free,
			UsagePercent: pct,
		})
		rec.TotalBytes += total
		rec.UsedBytes += used
		rec.FreeBytes += free
	}
	if rec.TotalBytes > 0 {
		rec.UsagePercent = round2(float64(rec.UsedBytes) / float64(rec.TotalBytes) * 100)
	}
	p.Disk = rec
	return p, warns
}

// parseNetDev reads /proc/net/dev: two header lines, then one row per
// interface with receive columns first. Loopback is excluded. The colon
// after the name may butt against the first counter, so the row is cut at
// the colon before splitting.
func parseNetDev(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyNetwork}
	lines := splitLines(raw.Stdout)
	if len(lines) == 0 {
		return p, emptyOutput(KeyNetwork)
	}
	if len(lines) < 3 {
		return p, []ParseWarning{{Key: KeyNetwork, Message: "no interface rows"}}
	}
	snap := &NetSnapshot{}
	var warns []ParseWarning
	for _, ln := range lines[2:] {
		name, rest, ok := strings.Cut(ln, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || name == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			warns = append(warns, ParseWarning{Key: KeyNetwork, Message: fmt.Sprintf("short row for %s", name)})
			continue
		}
		vals := make([]uint64, 16)
		bad := false
		for i := range vals {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				bad = true
				break
			}
			vals[i] = v
		}
		if bad {
			warns = append(warns, ParseWarning{Key: KeyNetwork, Message: fmt.Sprintf("unparseable row for %s", name)})
			continue
		}
		snap.Interfaces = append(snap.Interfaces, models.NetworkInterface{
			Name:      name,
			RxBytes:   vals[0],
			RxPackets: vals[1],
			RxErrors:  vals[2],
			RxDropped: vals[3],
			TxBytes:   vals[8],
			TxPackets: vals[9],
			TxErrors:  vals[10],
			TxDropped: vals[11],
		})
	}
	p.Network = snap
	return p, warns
}

// archTokens are uname machine names, matched right to left across the
// uname output because the position of the machine field depends on how
// long the kernel version string is.
var archTokens = map[string]bool{
	"x86_64": true, "amd64": true, "i386": true, "i486": true, "i586": true, "i686": true,
	"aarch64": true, "arm64": true, "riscv64": true, "loongarch64": true,
	"ppc64": true, "ppc64le": true, "s390x": true, "sparc64": true,
	"mips": true, "mips64": true, "mips64el": true,
}

func archLike(tok string) bool {
	return archTokens[tok] || strings.HasPrefix(tok, "armv")
}

// parseSysInfo reads the chained sysinfo output. The first line is uname;
// the rest is classified per line: a colon before any equals sign means a
// /proc/cpuinfo pair, an equals sign first means an /etc/os-release pair.
func parseSysInfo(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeySysInfo}
	lines := splitLines(raw.Stdout)
	if len(lines) == 0 {
		return p, emptyOutput(KeySysInfo)
	}
	facts := &HostFacts{}
	var warns []ParseWarning

	uname := strings.Fields(lines[0])
	if len(uname) >= 3 {
		facts.KernelName = uname[0]
		facts.Hostname = uname[1]
		facts.KernelVersion = uname[2]
	} else {
		warns = append(warns, ParseWarning{Key: KeySysInfo, Message: "short uname line"})
	}
	for i := len(uname) - 1; i >= 3; i-- {
		if archLike(uname[i]) {
			facts.Architecture = uname[i]
			break
		}
	}

	var fallbackModel, osPretty, osName, osVersion string
	cores := 0
	for _, ln := range lines[1:] {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		ci := strings.IndexByte(ln, ':')
		ei := strings.IndexByte(ln, '=')
		switch {
		case ci >= 0 && (ei < 0 || ci < ei):
			key := strings.TrimSpace(ln[:ci])
			val := strings.TrimSpace(ln[ci+1:])
			switch {
			case strings.EqualFold(key, "processor"):
				if _, err := strconv.Atoi(val); err == nil {
					facts.CPUThreads++
				} else if fallbackModel == "" {
					fallbackModel = val
				}
			case key == "model name":
				if facts.CPUModel == "" {
					facts.CPUModel = val
				}
			case key == "cpu cores":
				if n, err := strconv.Atoi(val); err == nil && cores == 0 {
					cores = n
				}
			case key == "Model" || key == "Hardware":
				if fallbackModel == "" {
					fallbackModel = val
				}
			}
		case ei >= 0:
			key := ln[:ei]
			val := strings.Trim(ln[ei+1:], `"'`)
			switch key {
			case "PRETTY_NAME":
				osPretty = val
			case "NAME":
				osName = val
			case "VERSION":
				osVersion = val
			}
		}
	}
	if facts.CPUModel == "" {
		facts.CPUModel = fallbackModel
	}
	if cores == 0 {
		cores = facts.CPUThreads
	}
	facts.CPUCores = cores
	switch {
	case osPretty != "":
		facts.OS = osPretty
	case osName != "":
		facts.OS = strings.TrimSpace(osName + " " + osVersion)
	default:
		facts.OS = facts.KernelName
	}
	p.SysInfo = facts
	return p, warns
}

// parseUptime reads /proc/uptime: uptime seconds, then cumulative idle
// seconds across all cores.
func parseUptime(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyUptime}
	fields := strings.Fields(string(raw.Stdout))
	if len(fields) == 0 {
		return p, emptyOutput(KeyUptime)
	}
	up, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return p, []ParseWarning{{Key: KeyUptime, Message: fmt.Sprintf("bad uptime value %q", fields[0])}}
	}
	info := &UptimeInfo{UptimeSeconds: up}
	if len(fields) >= 2 {
		if idle, err := strconv.ParseFloat(fields[1], 64); err == nil {
			info.IdleSeconds = idle
		}
	}
	p.Uptime = info
	return p, nil
}

// parseLoadAvg reads the first three fields of /proc/loadavg.
func parseLoadAvg(raw RawOutput) (Payload, []ParseWarning) {
	p := Payload{Kind: KeyLoad}
	fields := strings.Fields(string(raw.Stdout))
	if len(fields) == 0 {
		return p, emptyOutput(KeyLoad)
	}
	if len(fields) < 3 {
		return p, []ParseWarning{{Key: KeyLoad, Message: "short loadavg line"}}
	}
	l1, err1 := strconv.ParseFloat(fields[0], 64)
	l5, err5 := strconv.ParseFloat(fields[1], 64)
	l15, err15 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err5 != nil || err15 != nil {
		return p, []ParseWarning{{Key: KeyLoad, Message: "bad loadavg values"}}
	}
	p.Load = &LoadAvg{Load1: l1, Load5: l5, Load15: l15}
	return p, nil
}
