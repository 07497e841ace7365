// fakehost is a development stand-in for a monitored Linux server: a
// minimal SSH daemon that answers the collector's probe commands with
// synthetic /proc output that drifts over time. Point a cwatcher server
// record at it to exercise the full pipeline without real fleet access.
//
//	fakehost -addr 127.0.0.1:2222 -user monitor -password hunter2
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"math"
	mrand "math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/backend/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2222", "listen address")
	user := flag.String("user", "monitor", "accepted username")
	password := flag.String("password", "hunter2", "accepted password")
	hostname := flag.String("hostname", "fakehost-01", "hostname reported by uname")
	flag.Parse()

	log := logging.New("info", "console")

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatal().Err(err).Msg("generate host key")
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		log.Fatal().Err(err).Msg("wrap host key")
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == *user && string(pw) == *password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied for %q", meta.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("listen")
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("user", *user).
		Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).
		Msg("fakehost listening")

	host := newHostState(*hostname)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept")
			os.Exit(1)
		}
		go serveConn(conn, cfg, host, log)
	}
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, host *hostState, log zerolog.Logger) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		log.Debug().Err(err).Msg("handshake failed")
		return
	}
	defer sconn.Close()
	log.Debug().Str("remote", sconn.RemoteAddr().String()).Msg("session up")

	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "only sessions are served")
			continue
		}
		channel, chReqs, err := ch.Accept()
		if err != nil {
			return
		}
		go serveSession(channel, chReqs, host)
	}
}

type execMsg struct {
	Command string
}

// serveSession handles one exec request, the only thing the collector
// sends, then closes like a real sshd would.
func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, host *hostState) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var msg execMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		stdout, stderr, status := host.answer(msg.Command)
		if stdout != "" {
			_, _ = ch.Write([]byte(stdout))
		}
		if stderr != "" {
			_, _ = ch.Stderr().Write([]byte(stderr))
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

// ----------------------------------------------------------------
// synthetic host
// ----------------------------------------------------------------

const (
	cores     = 2
	memTotal  = 8 * 1 << 30
	swapTotal = 2 * 1 << 30
	diskTotal = 40 * 1 << 30
)

// hostState renders /proc-style output whose counters move the way a
// lightly loaded box does: cumulative jiffies and byte counters only ever
// grow, gauges wobble on a slow sine.
type hostState struct {
	hostname string
	boot     time.Time

	mu       sync.Mutex
	lastTick time.Time
	userJ    uint64
	systemJ  uint64
	idleJ    uint64
	iowaitJ  uint64
	rxBytes  uint64
	txBytes  uint64
	rxPkts   uint64
	txPkts   uint64
	rng      *mrand.Rand
}

func newHostState(hostname string) *hostState {
	now := time.Now()
	return &hostState{
		hostname: hostname,
		boot:     now.Add(-time.Duration(90+mrand.Intn(900)) * time.Minute),
		lastTick: now,
		idleJ:    1000,
		rng:      mrand.New(mrand.NewSource(now.UnixNano())),
	}
}

// load is the current synthetic busy fraction, 0.10 to 0.55.
func (h *hostState) load(now time.Time) float64 {
	phase := float64(now.Unix()%300) / 300 * 2 * math.Pi
	return 0.30 + 0.20*math.Sin(phase) + h.rng.Float64()*0.05
}

// advance rolls the cumulative counters forward to now.
func (h *hostState) advance(now time.Time) {
	elapsed := now.Sub(h.lastTick)
	if elapsed <= 0 {
		return
	}
	h.lastTick = now

	// 100 jiffies per second per core.
	total := uint64(elapsed.Seconds() * 100 * cores)
	busy := uint64(float64(total) * h.load(now))
	h.userJ += busy * 7 / 10
	h.systemJ += busy * 3 / 10
	h.iowaitJ += total / 100
	h.idleJ += total - busy - total/100

	h.rxBytes += uint64(elapsed.Seconds() * 48_000)
	h.txBytes += uint64(elapsed.Seconds() * 23_000)
	h.rxPkts += uint64(elapsed.Seconds() * 40)
	h.txPkts += uint64(elapsed.Seconds() * 31)
}

func (h *hostState) answer(command string) (stdout, stderr string, status uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.advance(now)

	switch command {
	case "cat /proc/stat":
		return h.procStat(), "", 0
	case "free -b":
		return h.freeB(now), "", 0
	case "df -B1":
		return h.dfB1(now), "", 0
	case "cat /proc/net/dev":
		return h.netDev(), "", 0
	case "uname -a; cat /proc/cpuinfo; cat /etc/os-release 2>/dev/null || true":
		return h.sysinfo(), "", 0
	case "cat /proc/uptime":
		up := now.Sub(h.boot).Seconds()
		return fmt.Sprintf("%.2f %.2f\n", up, up*float64(cores)*0.8), "", 0
	case "cat /proc/loadavg":
		l := h.load(now) * cores
		return fmt.Sprintf("%.2f %.2f %.2f 1/%d %d\n", l, l*0.9, l*0.8, 240+h.rng.Intn(40), 10000+h.rng.Intn(20000)), "", 0
	}
	return "", fmt.Sprintf("sh: %s: command not found\n", command), 127
}

func (h *hostState) procStat() string {
	out := fmt.Sprintf("cpu  %d 0 %d %d %d 0 0 0 0 0\n", h.userJ, h.systemJ, h.idleJ, h.iowaitJ)
	for i := 0; i < cores; i++ {
		out += fmt.Sprintf("cpu%d %d 0 %d %d %d 0 0 0 0 0\n", i, h.userJ/cores, h.systemJ/cores, h.idleJ/cores, h.iowaitJ/cores)
	}
	out += "intr 0\nctxt 0\nbtime " + fmt.Sprint(h.boot.Unix()) + "\n"
	return out
}

func (h *hostState) freeB(now time.Time) string {
	phase := float64(now.Unix()%600) / 600 * 2 * math.Pi
	used := uint64(float64(memTotal) * (0.35 + 0.10*math.Sin(phase)))
	buffCache := uint64(memTotal * 22 / 100)
	free := memTotal - used - buffCache
	available := free + buffCache*8/10
	swapUsed := uint64(swapTotal * 4 / 100)

	return fmt.Sprintf("              total        used        free      shared  buff/cache   available\n"+
		"Mem:    %12d %11d %11d %11d %11d %11d\n"+
		"Swap:   %12d %11d %11d\n",
		uint64(memTotal), used, free, uint64(memTotal/100), buffCache, available,
		uint64(swapTotal), swapUsed, uint64(swapTotal)-swapUsed)
}

func (h *hostState) dfB1(now time.Time) string {
	// Usage creeps a few hundred KB per hour of uptime.
	used := uint64(diskTotal*31/100) + uint64(now.Sub(h.boot).Hours()*400_000)
	avail := uint64(diskTotal) - used
	pct := used * 100 / diskTotal

	return "Filesystem       1B-blocks        Used   Available Use% Mounted on\n" +
		fmt.Sprintf("/dev/vda1      %d %11d %11d  %d%% /\n", uint64(diskTotal), used, avail, pct) +
		fmt.Sprintf("tmpfs          %d %11d %11d   1%% /run\n", uint64(memTotal/2), uint64(memTotal/200), uint64(memTotal/2-memTotal/200))
}

func (h *hostState) netDev() string {
	return "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n" +
		fmt.Sprintf("    lo: %7d %7d    0    0    0     0          0         0 %7d %7d    0    0    0     0       0          0\n", 4096, 64, 4096, 64) +
		fmt.Sprintf("  eth0: %d %d    0    0    0     0          0         0 %d %d    0    0    0     0       0          0\n", h.rxBytes, h.rxPkts, h.txBytes, h.txPkts)
}

func (h *hostState) sysinfo() string {
	out := fmt.Sprintf("Linux %s 6.1.0-18-amd64 #1 SMP PREEMPT_DYNAMIC Debian 6.1.76-1 (2024-02-01) x86_64 x86_64 x86_64 GNU/Linux\n", h.hostname)
	for i := 0; i < cores; i++ {
		out += fmt.Sprintf("processor\t: %d\n", i)
		out += "model name\t: AMD EPYC 7543 32-Core Processor\n"
		out += fmt.Sprintf("cpu cores\t: %d\n", cores)
	}
	out += "PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n"
	return out
}
