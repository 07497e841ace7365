package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
)

// errFabricClosed rejects handshakes after Close.
var errFabricClosed = errors.New("ws: fabric stopped")

// defaultHistorySpan is the window served when REQUEST_HISTORY omits from.
const defaultHistorySpan = 15 * time.Minute

// closeGrace bounds how long Close waits for writer loops to flush.
const closeGrace = 5 * time.Second

// Options bound the fabric. Zero fields fall back to the documented
// defaults, except BatchWindow where zero disables the timed coalescing
// window and bursts only batch what is already queued.
type Options struct {
	SendQueue          int
	MaxConnections     int
	MaxPerIP           int
	MaxMessageBytes    int64
	HeartbeatInterval  time.Duration
	HeartbeatMisses    int
	SlowConsumerDrops  int
	SlowConsumerWindow time.Duration
	CompressMinBytes   int
	BatchWindow        time.Duration
	HandshakePerIP     rate.Limit
	CheckOrigin        func(*http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 1000
	}
	if o.MaxPerIP <= 0 {
		o.MaxPerIP = 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 16 * 1024
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 2
	}
	if o.SlowConsumerDrops <= 0 {
		o.SlowConsumerDrops = 50
	}
	if o.SlowConsumerWindow <= 0 {
		o.SlowConsumerWindow = time.Minute
	}
	if o.CompressMinBytes <= 0 {
		o.CompressMinBytes = 1024
	}
	if o.HandshakePerIP <= 0 {
		o.HandshakePerIP = 5
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// HistoryProvider serves REQUEST_HISTORY from the sample store.
type HistoryProvider interface {
	QueryRecent(serverID string, kind models.MetricKind, from, to time.Time) ([]*models.MetricsSample, bool, error)
}

// StatusProvider supplies the fleet snapshot for HELLO frames.
type StatusProvider interface {
	Snapshot() []models.ServerStatus
}

// FactsProvider supplies cached host facts for HELLO frames.
type FactsProvider interface {
	SystemInfo(serverID string) (*models.SystemInfo, bool)
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opReply
	opHistory
	opDeregister
	opShutdown
)

// command is one unit of work for the run loop. Subscription mutations,
// replies, and disconnect bookkeeping all serialize through it.
type command struct {
	op      opKind
	conn    *Conn
	id      string
	sub     *Subscription
	servers []string
	clear   bool
	frame   []byte
	hist    historyRequest
	reason  string
}

// Hub owns every fabric connection. A single run loop applies subscription
// changes, fans out bus events, and drives the heartbeat, so per-connection
// frame order equals enqueue order.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	bus      *events.Bus
	history  HistoryProvider
	statuses StatusProvider
	facts    FactsProvider
	metrics  *monitoring.Metrics
	clock    clockwork.Clock
	log      zerolog.Logger

	index *Index

	// Handshake bookkeeping. Caps are reserved here, before the upgrade,
	// off the run loop.
	mu       sync.Mutex
	total    int
	perIP    map[string]int
	limiters map[string]*rate.Limiter
	conns    map[string]*Conn
	closed   bool
	started  bool

	commands chan command
	events   chan events.Event
	runDone  chan struct{}
	writerWG sync.WaitGroup
	stopOnce sync.Once
}

// New builds a hub. history, statuses, and facts may be nil; the matching
// frames then carry empty payloads or an ERROR.
func New(opts Options, bus *events.Bus, history HistoryProvider, statuses StatusProvider, facts FactsProvider, metrics *monitoring.Metrics, clock clockwork.Clock, log zerolog.Logger) *Hub {
	opts = opts.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		bus:      bus,
		history:  history,
		statuses: statuses,
		facts:    facts,
		metrics:  metrics,
		clock:    clock,
		log:      log,
		index:    NewIndex(),
		perIP:    make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		conns:    make(map[string]*Conn),
		commands: make(chan command, 64),
		runDone:  make(chan struct{}),
	}
}

// Start subscribes to the bus and launches the run loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.started || h.closed {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.events = h.bus.Subscribe(events.KindSample, events.KindStatusChange)
	h.mu.Unlock()

	go h.run()
}

// Close broadcasts SHUTDOWN, closes every connection, stops the run loop,
// and waits a bounded grace period for writers to flush.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		started := h.started
		h.mu.Unlock()
		if !started {
			return
		}

		select {
		case h.commands <- command{op: opShutdown}:
			<-h.runDone
		case <-h.runDone:
		}
		h.bus.Unsubscribe(h.events)

		flushed := make(chan struct{})
		go func() {
			h.writerWG.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-time.After(closeGrace):
			h.log.Warn().Msg("writer flush grace expired")
		}
	})
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// ForgetServer removes a deleted server's subscription entries.
func (h *Hub) ForgetServer(serverID string) {
	h.index.ForgetServer(serverID)
}

// ServeHTTP performs the WebSocket handshake. The per-IP rate limit and
// both connection caps are enforced before the upgrade; rejections stay
// plain HTTP.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if err := h.admit(ip); err != nil {
		status := http.StatusTooManyRequests
		if errors.Is(err, errFabricClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(ip)
		h.log.Warn().Err(err).Str("remote_ip", ip).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{
		id:       uuid.NewString(),
		ip:       ip,
		sock:     sock,
		send:     make(chan []byte, h.opts.SendQueue),
		hub:      h,
		compress: r.URL.Query().Get("compress") == "gzip",
	}
	c.log = h.log.With().Str("conn_id", c.id).Str("remote_ip", ip).Logger()
	c.touch(h.clock.Now())
	c.windowStart = h.clock.Now()

	if !h.addConn(c) {
		h.release(ip)
		_ = sock.Close()
		return
	}

	// HELLO is enqueued before the pumps start, so it is always the first
	// frame on the wire for this connection.
	if frame := h.helloFrame(c); frame != nil {
		h.enqueue(c, frame)
	}
	h.writerWG.Add(1)
	go c.writePump()
	go c.readPump()

	c.log.Info().Msg("client connected")
}

// admit reserves capacity for one handshake. Counters roll back through
// release if the upgrade fails afterwards.
func (h *Hub) admit(ip string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errFabricClosed
	}
	lim := h.limiters[ip]
	if lim == nil {
		burst := int(h.opts.HandshakePerIP)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(h.opts.HandshakePerIP, burst)
		h.limiters[ip] = lim
	}
	if !lim.Allow() {
		return fmt.Errorf("ws: handshake rate exceeded for %s", ip)
	}
	if h.total >= h.opts.MaxConnections {
		return fmt.Errorf("ws: connection cap %d reached", h.opts.MaxConnections)
	}
	if h.perIP[ip] >= h.opts.MaxPerIP {
		return fmt.Errorf("ws: per-address cap %d reached for %s", h.opts.MaxPerIP, ip)
	}
	h.total++
	h.perIP[ip]++
	return nil
}

func (h *Hub) release(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total--
	h.perIP[ip]--
	if h.perIP[ip] <= 0 {
		delete(h.perIP, ip)
	}
}

// addConn registers the connection; it fails when Close won the race
// against admit.
func (h *Hub) addConn(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	return true
}

// closeConn removes the connection from every structure and closes its
// send channel; the writer flushes what is queued and tears the socket
// down. Safe to call twice, the map presence check decides.
func (h *Hub) closeConn(c *Conn, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	h.total--
	h.perIP[c.ip]--
	if h.perIP[c.ip] <= 0 {
		delete(h.perIP, c.ip)
	}
	h.mu.Unlock()

	h.index.Remove(c)
	c.reason = reason
	close(c.send)
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
		h.metrics.RecordWSDisconnect(reason)
	}
	c.log.Info().Str("reason", reason).Msg("client disconnected")
}

// live reports whether the connection is still registered and may be
// enqueued to.
func (h *Hub) live(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[c.id]
	return ok
}

func (h *Hub) liveConns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// run is the hub's single writer lane: subscription changes, replies,
// broadcasts, and the heartbeat all execute here in arrival order.
func (h *Hub) run() {
	defer close(h.runDone)

	evCh := h.events
	heartbeat := h.clock.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case cmd := <-h.commands:
			if h.handle(cmd) {
				return
			}
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			h.fanOut(ev)
		case <-heartbeat.Chan():
			h.sweep()
		}
	}
}

// post hands a command to the run loop, or cleans up directly when the
// loop has already exited.
func (h *Hub) post(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.runDone:
		if cmd.op == opDeregister {
			h.closeConn(cmd.conn, cmd.reason)
		}
	}
}

func (h *Hub) subscribe(c *Conn, id string, sub *Subscription) {
	h.post(command{op: opSubscribe, conn: c, id: id, sub: sub})
}

func (h *Hub) unsubscribe(c *Conn, servers []string, clear bool) {
	h.post(command{op: opUnsubscribe, conn: c, servers: servers, clear: clear})
}

func (h *Hub) requestHistory(c *Conn, id string, req historyRequest) {
	h.post(command{op: opHistory, conn: c, id: id, hist: req})
}

func (h *Hub) deregister(c *Conn, reason string) {
	h.post(command{op: opDeregister, conn: c, reason: reason})
}

// replyError encodes an ERROR frame on the caller's goroutine and routes
// the enqueue through the run loop.
func (h *Hub) replyError(c *Conn, id, code, msg string) {
	frame, err := encodeFrame(TypeError, h.clock.Now().UnixMilli(), id, errorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	h.post(command{op: opReply, conn: c, frame: frame})
}

func (h *Hub) replyPong(c *Conn, id string) {
	now := h.clock.Now().UnixMilli()
	frame, err := encodeFrame(TypePong, now, id, pingData{TS: now})
	if err != nil {
		return
	}
	h.post(command{op: opReply, conn: c, frame: frame})
}

// handle executes one command. It returns true when the loop should exit.
func (h *Hub) handle(cmd command) bool {
	switch cmd.op {
	case opSubscribe:
		if !h.live(cmd.conn) {
			return false
		}
		h.index.Apply(cmd.conn, cmd.sub)
		frame, err := encodeFrame(TypeSubscribeAck, h.clock.Now().UnixMilli(), cmd.id, cmd.sub.ack())
		if err == nil && !h.enqueue(cmd.conn, frame) {
			h.noteDrop(cmd.conn)
		}
		cmd.conn.log.Debug().Bool("all", cmd.sub.All).Int("servers", len(cmd.sub.Servers)).Msg("subscription replaced")

	case opUnsubscribe:
		if !h.live(cmd.conn) {
			return false
		}
		if cmd.clear {
			h.index.Remove(cmd.conn)
		} else {
			h.index.Drop(cmd.conn, cmd.servers)
		}

	case opReply:
		if h.live(cmd.conn) && !h.enqueue(cmd.conn, cmd.frame) {
			h.noteDrop(cmd.conn)
		}

	case opHistory:
		h.serveHistory(cmd)

	case opDeregister:
		h.closeConn(cmd.conn, cmd.reason)

	case opShutdown:
		h.shutdown()
		return true
	}
	return false
}

// fanOut delivers one bus event: encode once, look up targets, enqueue
// without blocking. Queue overflow charges the slow-consumer window.
func (h *Hub) fanOut(ev events.Event) {
	switch ev.Kind {
	case events.KindSample:
		if ev.Sample == nil {
			return
		}
		targets := h.index.SampleTargets(ev.Sample)
		if len(targets) == 0 {
			return
		}
		frame, err := encodeFrame(TypeMetrics, ev.Sample.Timestamp, ev.Sample.ID, ev.Sample)
		if err != nil {
			h.log.Error().Err(err).Msg("sample frame encode failed")
			return
		}
		h.deliver(targets, frame)

	case events.KindStatusChange:
		if ev.Status == nil {
			return
		}
		targets := h.index.StatusTargets(ev.Status)
		if len(targets) == 0 {
			return
		}
		frame, err := encodeFrame(TypeStatusChange, ev.Status.At, uuid.NewString(), ev.Status)
		if err != nil {
			h.log.Error().Err(err).Msg("status frame encode failed")
			return
		}
		h.deliver(targets, frame)
	}
}

func (h *Hub) deliver(targets []*Conn, frame []byte) {
	for _, c := range targets {
		if !h.enqueue(c, frame) {
			h.noteDrop(c)
		}
	}
}

// enqueue appends a frame without blocking; a full queue drops the frame.
func (h *Hub) enqueue(c *Conn, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// noteDrop charges one dropped frame to the connection's slow-consumer
// window and reaps the connection past the ceiling.
func (h *Hub) noteDrop(c *Conn) {
	if h.metrics != nil {
		h.metrics.RecordWSDrop("queue_full")
	}
	now := h.clock.Now()
	if now.Sub(c.windowStart) > h.opts.SlowConsumerWindow {
		c.windowStart = now
		c.drops = 0
	}
	c.drops++
	if c.drops > h.opts.SlowConsumerDrops {
		c.log.Warn().Int("dropped", c.drops).Msg("slow consumer, closing")
		h.closeConn(c, ReasonSlowConsumer)
	}
}

// sweep runs on the heartbeat tick: close connections that went silent for
// the full miss budget, PING the rest, and prune idle handshake limiters.
func (h *Hub) sweep() {
	now := h.clock.Now()
	deadline := time.Duration(h.opts.HeartbeatMisses) * h.opts.HeartbeatInterval
	frame, err := encodeFrame(TypePing, now.UnixMilli(), "", pingData{TS: now.UnixMilli()})
	if err != nil {
		return
	}
	for _, c := range h.liveConns() {
		if now.Sub(c.seen()) >= deadline {
			c.log.Info().Msg("heartbeat timed out")
			h.closeConn(c, ReasonHeartbeatTimeout)
			continue
		}
		if !h.enqueue(c, frame) {
			h.noteDrop(c)
		}
	}
	h.pruneLimiters()
}

// pruneLimiters drops limiters that refilled to full burst so idle source
// addresses cost nothing across sweeps.
func (h *Hub) pruneLimiters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ip, lim := range h.limiters {
		if h.perIP[ip] == 0 && lim.Tokens() >= float64(lim.Burst()) {
			delete(h.limiters, ip)
		}
	}
}

// serveHistory answers REQUEST_HISTORY from the sample store. The ring copy
// is cheap enough to run on the loop.
func (h *Hub) serveHistory(cmd command) {
	if !h.live(cmd.conn) {
		return
	}
	if h.history == nil {
		h.errorNow(cmd.conn, cmd.id, ErrCodeHistory, "history unavailable")
		return
	}

	req := cmd.hist
	to := req.Range.To
	if to == 0 {
		to = h.clock.Now().UnixMilli()
	}
	from := req.Range.From
	if from == 0 {
		from = to - defaultHistorySpan.Milliseconds()
	}

	samples, partial, err := h.history.QueryRecent(req.Server, req.Metric, time.UnixMilli(from), time.UnixMilli(to))
	if err != nil {
		h.errorNow(cmd.conn, cmd.id, ErrCodeHistory, err.Error())
		return
	}
	frame, err := encodeFrame(TypeHistory, h.clock.Now().UnixMilli(), cmd.id, historyData{
		ServerID: req.Server,
		Metric:   req.Metric,
		From:     from,
		To:       to,
		Partial:  partial,
		Samples:  samples,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("history frame encode failed")
		return
	}
	if !h.enqueue(cmd.conn, frame) {
		h.noteDrop(cmd.conn)
	}
}

// errorNow enqueues an ERROR frame from inside the run loop.
func (h *Hub) errorNow(c *Conn, id, code, msg string) {
	frame, err := encodeFrame(TypeError, h.clock.Now().UnixMilli(), id, errorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	if !h.enqueue(c, frame) {
		h.noteDrop(c)
	}
}

// shutdown enqueues the final SHUTDOWN frame everywhere and closes every
// connection.
func (h *Hub) shutdown() {
	frame, err := encodeFrame(TypeShutdown, h.clock.Now().UnixMilli(), "", shutdownData{Reason: "service stopping"})
	for _, c := range h.liveConns() {
		if err == nil {
			h.enqueue(c, frame)
		}
		h.closeConn(c, ReasonShutdown)
	}
}

// helloFrame builds the greeting with the fleet snapshot.
func (h *Hub) helloFrame(c *Conn) []byte {
	var servers []helloServer
	if h.statuses != nil {
		snap := h.statuses.Snapshot()
		servers = make([]helloServer, 0, len(snap))
		for _, st := range snap {
			hs := helloServer{ServerStatus: st}
			if h.facts != nil {
				if info, ok := h.facts.SystemInfo(st.ServerID); ok {
					hs.SystemInfo = info
				}
			}
			servers = append(servers, hs)
		}
	}
	frame, err := encodeFrame(TypeHello, h.clock.Now().UnixMilli(), c.id, helloData{
		ConnectionID:       c.id,
		HeartbeatIntervalS: int(h.opts.HeartbeatInterval / time.Second),
		Servers:            servers,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("hello frame encode failed")
		return nil
	}
	return frame
}

func (h *Hub) countSent() {
	if h.metrics != nil {
		h.metrics.WSMessagesSent.Inc()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
