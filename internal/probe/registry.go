// Package probe owns the closed registry of collection commands and the
// parsers that turn their raw output into metric records. Every command a
// monitored host ever sees is listed here; nothing else is ever executed.
package probe

import "time"

// Key names one registry entry. The set is closed: config may tune
// timeouts per key but cannot add keys or change command strings.
type Key string

const (
	KeyCPU     Key = "cpu"
	KeyMemory  Key = "memory"
	KeyDisk    Key = "disk"
	KeyNetwork Key = "network"
	KeySysInfo Key = "sysinfo"
	KeyUptime  Key = "uptime"
	KeyLoad    Key = "load"
)

// CycleKeys are the commands run every collection cycle. Sysinfo is
// excluded; it changes rarely and runs on its own cadence.
var CycleKeys = []Key{KeyCPU, KeyMemory, KeyDisk, KeyNetwork, KeyUptime, KeyLoad}

// CommandSpec is one registry entry: the exact command line sent over SSH,
// the default timeout, and the parser for its output.
type CommandSpec struct {
	Key     Key
	Command string
	Timeout time.Duration

	parse func(RawOutput) (Payload, []ParseWarning)
}

// The command strings read /proc and the portable userland directly so the
// output is byte-stable across distros and locales. Uptime comes from
// /proc/uptime rather than the uptime binary, whose pretty-printed output
// shifts with locale and elapsed time. The sysinfo entry chains several
// reads in one round trip; the trailing `|| true` keeps a missing
// /etc/os-release from failing the whole command.
var registry = map[Key]CommandSpec{
	KeyCPU:     {Key: KeyCPU, Command: "cat /proc/stat", Timeout: 10 * time.Second, parse: parseCPUStat},
	KeyMemory:  {Key: KeyMemory, Command: "free -b", Timeout: 5 * time.Second, parse: parseFree},
	KeyDisk:    {Key: KeyDisk, Command: "df -B1", Timeout: 10 * time.Second, parse: parseDF},
	KeyNetwork: {Key: KeyNetwork, Command: "cat /proc/net/dev", Timeout: 5 * time.Second, parse: parseNetDev},
	KeySysInfo: {Key: KeySysInfo, Command: "uname -a; cat /proc/cpuinfo; cat /etc/os-release 2>/dev/null || true", Timeout: 10 * time.Second, parse: parseSysInfo},
	KeyUptime:  {Key: KeyUptime, Command: "cat /proc/uptime", Timeout: 5 * time.Second, parse: parseUptime},
	KeyLoad:    {Key: KeyLoad, Command: "cat /proc/loadavg", Timeout: 5 * time.Second, parse: parseLoadAvg},
}

var keyOrder = []Key{KeyCPU, KeyMemory, KeyDisk, KeyNetwork, KeySysInfo, KeyUptime, KeyLoad}

// Lookup returns the registry entry for key.
func Lookup(key Key) (CommandSpec, bool) {
	spec, ok := registry[key]
	return spec, ok
}

// Commands returns all registry entries in a stable order.
func Commands() []CommandSpec {
	out := make([]CommandSpec, 0, len(keyOrder))
	for _, k := range keyOrder {
		out = append(out, registry[k])
	}
	return out
}

// Keys returns all registry keys in a stable order.
func Keys() []Key {
	out := make([]Key, len(keyOrder))
	copy(out, keyOrder)
	return out
}
