// Package models holds the domain types shared across the collection
// pipeline: server records, metric samples, status, and threshold policies.
package models

import (
	"net"
	"strconv"
	"time"
)

// AuthKind selects how the service authenticates to a target host.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// MetricKind identifies one of the collected metric families.
type MetricKind string

const (
	MetricCPU     MetricKind = "cpu"
	MetricMemory  MetricKind = "memory"
	MetricDisk    MetricKind = "disk"
	MetricNetwork MetricKind = "network"
)

// AllMetricKinds lists every collectable metric family, in display order.
var AllMetricKinds = []MetricKind{MetricCPU, MetricMemory, MetricDisk, MetricNetwork}

// ValidMetricKind reports whether k names a known metric family.
func ValidMetricKind(k MetricKind) bool {
	switch k {
	case MetricCPU, MetricMemory, MetricDisk, MetricNetwork:
		return true
	}
	return false
}

// Server is a registered target host. Secret and KeyPassphrase hold the
// vault's opaque ciphertext form and are excluded from JSON so no API or
// WebSocket path can leak them. Thresholds, when set, overrides the global
// policy for this server only.
type Server struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Host           string           `json:"host"`
	Port           int              `json:"port"`
	Username       string           `json:"username"`
	AuthKind       AuthKind         `json:"auth_kind"`
	Secret         string           `json:"-"`
	KeyPassphrase  string           `json:"-"`
	Tags           []string         `json:"tags,omitempty"`
	Thresholds     *ThresholdPolicy `json:"thresholds,omitempty"`
	MonitorEnabled bool             `json:"monitor_enabled"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DeletedAt      *time.Time       `json:"-"`
}

// Addr returns the host:port dial target, defaulting the SSH port.
func (s *Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Clone returns a deep copy with Tags, Thresholds, and DeletedAt detached,
// so callers can hand out records without aliasing registry state.
func (s *Server) Clone() *Server {
	out := *s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.Thresholds != nil {
		p := *s.Thresholds
		out.Thresholds = &p
	}
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// CPURecord is the parsed CPU metric for one cycle. UsagePercent is nil
// until two /proc/stat reads exist to difference (Warmup true on the first).
type CPURecord struct {
	UsagePercent  *float64 `json:"usage_percent"`
	Warmup        bool     `json:"warmup,omitempty"`
	Cores         int      `json:"cores"`
	Load1         float64  `json:"load_1m"`
	Load5         float64  `json:"load_5m"`
	Load15        float64  `json:"load_15m"`
	UptimeSeconds float64  `json:"uptime_seconds,omitempty"`
}

// MemoryRecord carries byte-precise memory figures from free -b. Used is
// total minus available, matching what operators expect from free.
type MemoryRecord struct {
	TotalBytes       uint64  `json:"total_bytes"`
	UsedBytes        uint64  `json:"used_bytes"`
	FreeBytes        uint64  `json:"free_bytes"`
	AvailableBytes   uint64  `json:"available_bytes"`
	SharedBytes      uint64  `json:"shared_bytes"`
	BuffCacheBytes   uint64  `json:"buff_cache_bytes"`
	UsagePercent     float64 `json:"usage_percent"`
	SwapTotalBytes   uint64  `json:"swap_total_bytes"`
	SwapUsedBytes    uint64  `json:"swap_used_bytes"`
	SwapFreeBytes    uint64  `json:"swap_free_bytes"`
	SwapUsagePercent float64 `json:"swap_usage_percent"`
}

// DiskPartition is one mounted real filesystem from df -B1.
type DiskPartition struct {
	Device       string  `json:"device"`
	Mountpoint   string  `json:"mountpoint"`
	TotalBytes   uint64  `json:"total_bytes"`
	UsedBytes    uint64  `json:"used_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// DiskRecord aggregates partitions; UsagePercent is the fleet-chart overall
// figure while status evaluation looks at the fullest single partition.
type DiskRecord struct {
	Partitions   []DiskPartition `json:"partitions"`
	TotalBytes   uint64          `json:"total_bytes"`
	UsedBytes    uint64          `json:"used_bytes"`
	FreeBytes    uint64          `json:"free_bytes"`
	UsagePercent float64         `json:"usage_percent"`
}

// MaxPartitionUsage returns the highest single-partition usage, or 0 if none.
func (d *DiskRecord) MaxPartitionUsage() float64 {
	var max float64
	for _, p := range d.Partitions {
		if p.UsagePercent > max {
			max = p.UsagePercent
		}
	}
	return max
}

// NetworkInterface is one non-loopback interface from /proc/net/dev.
// RxBps/TxBps are nil until a previous sample exists to difference against.
type NetworkInterface struct {
	Name      string   `json:"name"`
	RxBytes   uint64   `json:"rx_bytes"`
	TxBytes   uint64   `json:"tx_bytes"`
	RxPackets uint64   `json:"rx_packets"`
	TxPackets uint64   `json:"tx_packets"`
	RxErrors  uint64   `json:"rx_errors"`
	TxErrors  uint64   `json:"tx_errors"`
	RxDropped uint64   `json:"rx_dropped"`
	TxDropped uint64   `json:"tx_dropped"`
	RxBps     *float64 `json:"rx_bps"`
	TxBps     *float64 `json:"tx_bps"`
}

// NetworkRecord sums counters and rates across non-loopback interfaces.
type NetworkRecord struct {
	Interfaces   []NetworkInterface `json:"interfaces"`
	TotalRxBytes uint64             `json:"total_rx_bytes"`
	TotalTxBytes uint64             `json:"total_tx_bytes"`
	RxBps        *float64           `json:"rx_bps"`
	TxBps        *float64           `json:"tx_bps"`
}

// MetricsSample is one collection cycle's result for one server. Sub-records
// are pointers: a nil record means the metric was missing this cycle and is
// encoded as JSON null, never zero values. All records share the cycle-start
// timestamp so chart axes align. Seq is per-server monotonic.
type MetricsSample struct {
	ID        string         `json:"id,omitempty"`
	ServerID  string         `json:"server_id"`
	Timestamp int64          `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	CPU       *CPURecord     `json:"cpu"`
	Memory    *MemoryRecord  `json:"memory"`
	Disk      *DiskRecord    `json:"disk"`
	Network   *NetworkRecord `json:"network"`
	Status    StatusKind     `json:"status,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
}

// Metric returns the named sub-record, or nil when missing.
func (m *MetricsSample) Metric(kind MetricKind) interface{} {
	switch kind {
	case MetricCPU:
		if m.CPU != nil {
			return m.CPU
		}
	case MetricMemory:
		if m.Memory != nil {
			return m.Memory
		}
	case MetricDisk:
		if m.Disk != nil {
			return m.Disk
		}
	case MetricNetwork:
		if m.Network != nil {
			return m.Network
		}
	}
	return nil
}

// Time returns the sample timestamp as wall-clock time.
func (m *MetricsSample) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SystemInfo holds slow-changing host facts, refreshed on first connect and
// on a daily cadence.
type SystemInfo struct {
	ServerID       string    `json:"server_id"`
	Hostname       string    `json:"hostname"`
	OS             string    `json:"os"`
	KernelVersion  string    `json:"kernel_version"`
	Architecture   string    `json:"architecture"`
	CPUModel       string    `json:"cpu_model"`
	CPUCores       int       `json:"cpu_cores"`
	CPUThreads     int       `json:"cpu_threads"`
	TotalMemBytes  uint64    `json:"total_mem_bytes"`
	InterfaceNames []string  `json:"interface_names,omitempty"`
	CollectedAt    time.Time `json:"collected_at"`
}

// StatusKind is a server's derived health state.
type StatusKind string

const (
	StatusOnline   StatusKind = "online"
	StatusWarning  StatusKind = "warning"
	StatusCritical StatusKind = "critical"
	StatusOffline  StatusKind = "offline"
	StatusUnknown  StatusKind = "unknown"
)

// Rank orders statuses by severity for min_status subscription filters.
// Unknown ranks lowest so idle servers do not trip filtered subscribers.
func (s StatusKind) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusOffline:
		return 3
	default:
		return 0
	}
}

// ValidStatusKind reports whether s is a recognized status.
func ValidStatusKind(s StatusKind) bool {
	switch s {
	case StatusOnline, StatusWarning, StatusCritical, StatusOffline, StatusUnknown:
		return true
	}
	return false
}

// ServerStatus is the current health of one server with its entry time and
// machine-readable reason code.
type ServerStatus struct {
	ServerID  string     `json:"server_id"`
	Kind      StatusKind `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	EnteredAt time.Time  `json:"entered_at"`
}

// Status reason codes surfaced in events and the REST API.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonConnectFailed    = "connect_failed"
	ReasonHostKeyMismatch  = "host_key_mismatch"
	ReasonCredentialError  = "credential_error"
	ReasonCollectionFailed = "collection_failed"
	ReasonThresholdCrossed = "threshold_crossed"
	ReasonRecovered        = "recovered"
	ReasonAutoDisabled     = "auto_disabled"
)

// StatusEvent is emitted on every status transition, never on steady state.
type StatusEvent struct {
	ServerID  string     `json:"server_id"`
	From      StatusKind `json:"from"`
	To        StatusKind `json:"to"`
	Reason    string     `json:"reason"`
	Metric    MetricKind `json:"metric,omitempty"`
	Value     float64    `json:"value,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	At        int64      `json:"at"`
}

// MetricThreshold defines the warning and critical band edges for a metric
// plus the consecutive samples required to enter a band.
type MetricThreshold struct {
	Warning         float64 `json:"warning" yaml:"warning"`
	Critical        float64 `json:"critical" yaml:"critical"`
	DebounceSamples int     `json:"debounce_samples" yaml:"debounce_samples"`
}

// ThresholdPolicy groups band definitions per metric. Disk bands apply to the
// fullest partition. OfflineDebounce is the consecutive failed cycles before
// a server is declared offline.
type ThresholdPolicy struct {
	CPU             MetricThreshold `json:"cpu" yaml:"cpu"`
	Memory          MetricThreshold `json:"memory" yaml:"memory"`
	Disk            MetricThreshold `json:"disk" yaml:"disk"`
	OfflineDebounce int             `json:"offline_debounce" yaml:"offline_debounce"`
}

// DefaultThresholds mirrors the operational defaults: CPU 80/90,
// memory 85/95, disk 85/95, three samples to debounce, two failed cycles
// to go offline.
func DefaultThresholds() ThresholdPolicy {
	return ThresholdPolicy{
		CPU:             MetricThreshold{Warning: 80, Critical: 90, DebounceSamples: 3},
		Memory:          MetricThreshold{Warning: 85, Critical: 95, DebounceSamples: 3},
		Disk:            MetricThreshold{Warning: 85, Critical: 95, DebounceSamples: 3},
		OfflineDebounce: 2,
	}
}
