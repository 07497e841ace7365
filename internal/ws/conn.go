package ws

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
)

const (
	// writeWait bounds a single socket write; a peer that cannot take a
	// frame within it is treated as gone.
	writeWait = 10 * time.Second

	// maxBatchFrames caps how many envelopes one BATCH may carry.
	maxBatchFrames = 32
)

// Close reasons recorded on disconnect.
const (
	ReasonClientGone       = "client"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonOversize         = "oversize"
	ReasonShutdown         = "shutdown"
)

// Conn is one subscriber connection. The hub's run loop owns every enqueue
// and the closing of the send channel; the writer loop owns all socket
// writes and tears the socket down after the final flush, which in turn
// unblocks the reader.
type Conn struct {
	id       string
	ip       string
	sock     *websocket.Conn
	send     chan []byte
	hub      *Hub
	compress bool
	log      zerolog.Logger

	lastSeen atomic.Int64 // unix milli of the last client frame

	// Writer-loop owned gzip scratch state.
	gz    *gzip.Writer
	gzBuf bytes.Buffer

	// Run-loop owned slow-consumer window.
	drops       int
	windowStart time.Time

	// reason is written by whoever closes the send channel and read by the
	// writer after the channel drains; the close itself orders the two.
	reason string
}

// touch records client liveness; any inbound frame counts.
func (c *Conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixMilli())
}

func (c *Conn) seen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

// readPump decodes client frames and forwards them to the hub's run loop.
// It is the only reader of the socket.
func (c *Conn) readPump() {
	c.sock.SetReadLimit(c.hub.opts.MaxMessageBytes)
	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			reason := ReasonClientGone
			if errors.Is(err, websocket.ErrReadLimit) {
				reason = ReasonOversize
				c.log.Warn().Int64("limit_bytes", c.hub.opts.MaxMessageBytes).Msg("client frame over size limit")
			}
			c.hub.deregister(c, reason)
			return
		}
		c.touch(c.hub.clock.Now())
		c.handleFrame(payload)
	}
}

// handleFrame validates one client envelope and posts the resulting command.
// Protocol violations answer with an ERROR frame and keep the connection.
func (c *Conn) handleFrame(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.hub.replyError(c, "", ErrCodeBadPayload, "malformed envelope")
		return
	}

	switch env.Type {
	case TypeSubscribe:
		var d subscribeData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				c.hub.replyError(c, env.ID, ErrCodeBadPayload, "bad SUBSCRIBE payload: "+err.Error())
				return
			}
		}
		for _, k := range d.Metrics {
			if !models.ValidMetricKind(k) {
				c.hub.replyError(c, env.ID, ErrCodeBadPayload, fmt.Sprintf("unknown metric %q", k))
				return
			}
		}
		if d.MinStatus != "" && !models.ValidStatusKind(d.MinStatus) {
			c.hub.replyError(c, env.ID, ErrCodeBadPayload, fmt.Sprintf("unknown status %q", d.MinStatus))
			return
		}
		c.hub.subscribe(c, env.ID, newSubscription(d))

	case TypeUnsubscribe:
		var d subscribeData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				c.hub.replyError(c, env.ID, ErrCodeBadPayload, "bad UNSUBSCRIBE payload: "+err.Error())
				return
			}
		}
		c.hub.unsubscribe(c, d.Servers.IDs, d.Servers.All || len(d.Servers.IDs) == 0)

	case TypePing:
		c.hub.replyPong(c, env.ID)

	case TypePong:
		// Liveness was recorded above; nothing else to do.

	case TypeRequestHistory:
		var d historyRequest
		if err := json.Unmarshal(env.Data, &d); err != nil {
			c.hub.replyError(c, env.ID, ErrCodeBadPayload, "bad REQUEST_HISTORY payload: "+err.Error())
			return
		}
		if d.Server == "" {
			c.hub.replyError(c, env.ID, ErrCodeBadPayload, "history: server is required")
			return
		}
		if !models.ValidMetricKind(d.Metric) {
			c.hub.replyError(c, env.ID, ErrCodeBadPayload, fmt.Sprintf("unknown metric %q", d.Metric))
			return
		}
		c.hub.requestHistory(c, env.ID, d)

	default:
		c.hub.replyError(c, env.ID, ErrCodeUnknownType, fmt.Sprintf("unknown type %q", env.Type))
	}
}

// writePump flushes the send queue to the socket, coalescing bursts into
// BATCH frames. It is the only writer of the socket and closes it on exit.
func (c *Conn) writePump() {
	defer c.hub.writerWG.Done()

	for {
		frame, open := <-c.send
		if !open {
			c.finish()
			return
		}
		frames, open := c.collectBurst(frame)
		if !c.writeFrames(frames) {
			_ = c.sock.Close()
			c.hub.deregister(c, ReasonClientGone)
			return
		}
		if !open {
			c.finish()
			return
		}
	}
}

// collectBurst gathers frames that arrive within the batch window after the
// first, preserving queue order. The second return is false once the send
// channel has closed.
func (c *Conn) collectBurst(first []byte) ([][]byte, bool) {
	frames := [][]byte{first}
	window := c.hub.opts.BatchWindow
	if window <= 0 {
		for {
			select {
			case f, open := <-c.send:
				if !open {
					return frames, false
				}
				frames = append(frames, f)
				if len(frames) >= maxBatchFrames {
					return frames, true
				}
			default:
				return frames, true
			}
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case f, open := <-c.send:
			if !open {
				return frames, false
			}
			frames = append(frames, f)
			if len(frames) >= maxBatchFrames {
				return frames, true
			}
		case <-timer.C:
			return frames, true
		}
	}
}

// writeFrames writes one socket message: a single envelope, or a BATCH when
// the burst collected more.
func (c *Conn) writeFrames(frames [][]byte) bool {
	if len(frames) == 1 {
		return c.writeOne(frames[0])
	}
	joined, err := batchFrame(c.hub.clock.Now().UnixMilli(), frames)
	if err != nil {
		for _, f := range frames {
			if !c.writeOne(f) {
				return false
			}
		}
		return true
	}
	return c.writeOne(joined)
}

// writeOne writes a frame, gzipping it when the client negotiated
// compression and the frame clears the size threshold. Compressed frames go
// out as binary messages; the message type is the codec tag.
func (c *Conn) writeOne(frame []byte) bool {
	kind := websocket.TextMessage
	if c.compress && len(frame) >= c.hub.opts.CompressMinBytes {
		if c.gz == nil {
			c.gz = gzip.NewWriter(&c.gzBuf)
		}
		c.gzBuf.Reset()
		c.gz.Reset(&c.gzBuf)
		if _, err := c.gz.Write(frame); err == nil && c.gz.Close() == nil {
			kind = websocket.BinaryMessage
			frame = c.gzBuf.Bytes()
		}
	}

	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteMessage(kind, frame); err != nil {
		return false
	}
	c.hub.countSent()
	return true
}

// finish performs the goodbye after the queue drained: close frame, then
// socket teardown, which also unblocks the reader.
func (c *Conn) finish() {
	code := websocket.CloseNormalClosure
	switch c.reason {
	case ReasonShutdown:
		code = websocket.CloseGoingAway
	case ReasonSlowConsumer, ReasonHeartbeatTimeout:
		code = websocket.ClosePolicyViolation
	}
	msg := websocket.FormatCloseMessage(code, c.reason)
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.sock.WriteMessage(websocket.CloseMessage, msg)
	_ = c.sock.Close()
}
