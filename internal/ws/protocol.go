// Package ws is the push fabric: it accepts WebSocket subscribers, tracks
// their subscriptions, and fans out samples and status transitions with
// bounded per-connection send queues. Broadcast paths never touch a socket;
// each connection's writer loop owns its socket and drains its queue in
// enqueue order.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/cwatcher/backend/internal/models"
)

// Frame types. PING and PONG flow both directions; the rest are one way.
const (
	TypeHello          = "HELLO"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeSubscribe      = "SUBSCRIBE"
	TypeSubscribeAck   = "SUBSCRIBE_ACK"
	TypeUnsubscribe    = "UNSUBSCRIBE"
	TypeMetrics        = "METRICS"
	TypeStatusChange   = "STATUS_CHANGE"
	TypeRequestHistory = "REQUEST_HISTORY"
	TypeHistory        = "HISTORY"
	TypeError          = "ERROR"
	TypeShutdown       = "SHUTDOWN"
	TypeBatch          = "BATCH"
)

// Error codes carried in ERROR frames.
const (
	ErrCodeUnknownType = "unknown_type"
	ErrCodeBadPayload  = "bad_payload"
	ErrCodeHistory     = "history_failed"
)

// Envelope is the wire framing for every message in both directions. TS is
// milliseconds since the epoch; METRICS and STATUS_CHANGE carry the event's
// own timestamp so client charts align with stored samples.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encodeFrame marshals one envelope. Broadcast paths call this once per
// event and hand the same bytes to every target connection.
func encodeFrame(typ string, ts int64, id string, data interface{}) ([]byte, error) {
	env := Envelope{Type: typ, TS: ts, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("ws: encode %s data: %w", typ, err)
		}
		env.Data = raw
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s: %w", typ, err)
	}
	return raw, nil
}

// batchFrame wraps already-encoded envelopes into one BATCH envelope,
// preserving order. Members are embedded verbatim, not re-encoded.
func batchFrame(ts int64, frames [][]byte) ([]byte, error) {
	members := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		members[i] = f
	}
	return encodeFrame(TypeBatch, ts, "", members)
}

// serverSelector decodes the SUBSCRIBE servers field, which is either the
// string "all" or a list of server ids.
type serverSelector struct {
	All bool
	IDs []string
}

func (s *serverSelector) UnmarshalJSON(raw []byte) error {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one != "all" {
			return fmt.Errorf("servers: %q is not \"all\" or a list", one)
		}
		s.All = true
		return nil
	}
	return json.Unmarshal(raw, &s.IDs)
}

func (s serverSelector) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}
	if s.IDs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.IDs)
}

// subscribeData is the SUBSCRIBE payload; UNSUBSCRIBE reuses the servers
// field and ignores the rest.
type subscribeData struct {
	Servers   serverSelector      `json:"servers"`
	Metrics   []models.MetricKind `json:"metrics,omitempty"`
	MinStatus models.StatusKind   `json:"min_status,omitempty"`
}

// ackData echoes the normalized subscription back in SUBSCRIBE_ACK.
type ackData struct {
	Servers   serverSelector      `json:"servers"`
	Metrics   []models.MetricKind `json:"metrics,omitempty"`
	MinStatus models.StatusKind   `json:"min_status,omitempty"`
}

// pingData carries the heartbeat timestamp.
type pingData struct {
	TS int64 `json:"ts"`
}

// errorData explains a rejected client frame.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// helloData greets a new connection with the fleet snapshot.
type helloData struct {
	ConnectionID       string        `json:"connection_id"`
	HeartbeatIntervalS int           `json:"heartbeat_interval_s"`
	Servers            []helloServer `json:"servers"`
}

// helloServer pairs a server's current status with its cached host facts.
type helloServer struct {
	models.ServerStatus
	SystemInfo *models.SystemInfo `json:"system_info,omitempty"`
}

// historyRequest asks for stored samples of one metric inside a window.
// Zero To means now; zero From means To minus the default span.
type historyRequest struct {
	Server string            `json:"server"`
	Metric models.MetricKind `json:"metric"`
	Range  historyRange      `json:"range"`
}

type historyRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// historyData answers REQUEST_HISTORY. Partial marks a window that predates
// what the ring still holds.
type historyData struct {
	ServerID string                  `json:"server_id"`
	Metric   models.MetricKind       `json:"metric"`
	From     int64                   `json:"from"`
	To       int64                   `json:"to"`
	Partial  bool                    `json:"partial,omitempty"`
	Samples  []*models.MetricsSample `json:"samples"`
}

// shutdownData tells clients the service is stopping.
type shutdownData struct {
	Reason string `json:"reason"`
}
