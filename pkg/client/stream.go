package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/ws"
)

// Hello greets a new connection: its identity plus the fleet snapshot.
type Hello struct {
	ConnectionID       string        `json:"connection_id"`
	HeartbeatIntervalS int           `json:"heartbeat_interval_s"`
	Servers            []HelloServer `json:"servers"`
}

// HelloServer pairs a server's current status with its cached host facts.
type HelloServer struct {
	models.ServerStatus
	SystemInfo *models.SystemInfo `json:"system_info,omitempty"`
}

// ServerSelector is "all" or an explicit id list on the wire.
type ServerSelector struct {
	All bool
	IDs []string
}

func (s ServerSelector) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}
	if s.IDs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.IDs)
}

func (s *ServerSelector) UnmarshalJSON(raw []byte) error {
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

// Subscription is a push filter. An empty selector subscribes to the
// whole fleet.
type Subscription struct {
	Servers   ServerSelector      `json:"servers"`
	Metrics   []models.MetricKind `json:"metrics,omitempty"`
	MinStatus models.StatusKind   `json:"min_status,omitempty"`
}

// Handlers receive pushed frames; nil fields are skipped. Callbacks run
// on the stream's read goroutine and must not block.
type Handlers struct {
	OnHello        func(Hello)
	OnSubscribeAck func(Subscription)
	OnMetrics      func(*models.MetricsSample)
	OnStatusChange func(*models.StatusEvent)
	OnHistory      func(*History)
	OnServerError  func(code, message string)
	OnShutdown     func(reason string)

	// OnDisconnect fires once when the stream ends, with nil after a
	// clean Close.
	OnDisconnect func(error)
}

// Stream is one live WebSocket connection to the push fabric.
type Stream struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// Stream dials the push endpoint and starts dispatching frames to h. The
// stream replies to service heartbeats by itself.
func (c *Client) Stream(ctx context.Context, h Handlers) (*Stream, error) {
	endpoint, err := wsEndpoint(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("cwatcher: websocket dial: %w", err)
	}

	s := &Stream{conn: conn, handlers: h, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

// wsEndpoint rewrites the REST base URL into the push endpoint.
func wsEndpoint(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws", nil
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws", nil
	}
	return "", fmt.Errorf("cwatcher: base url %q is not http(s)", base)
}

// Subscribe installs or replaces the push filter.
func (s *Stream) Subscribe(sub Subscription) error {
	if !sub.Servers.All && len(sub.Servers.IDs) == 0 {
		sub.Servers.All = true
	}
	return s.send(ws.TypeSubscribe, sub)
}

// Unsubscribe drops servers from the filter.
func (s *Stream) Unsubscribe(serverIDs []string) error {
	return s.send(ws.TypeUnsubscribe, Subscription{Servers: ServerSelector{IDs: serverIDs}})
}

// RequestHistory asks for stored samples; the reply arrives via
// OnHistory. Zero times take the service defaults.
func (s *Stream) RequestHistory(serverID string, metric models.MetricKind, from, to time.Time) error {
	var fromMS, toMS int64
	if !from.IsZero() {
		fromMS = from.UnixMilli()
	}
	if !to.IsZero() {
		toMS = to.UnixMilli()
	}
	return s.send(ws.TypeRequestHistory, map[string]interface{}{
		"server": serverID,
		"metric": metric,
		"range":  map[string]int64{"from": fromMS, "to": toMS},
	})
}

// Close sends a close frame and tears the connection down.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.finish(nil)
	return err
}

// Done closes when the stream has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) send(typ string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cwatcher: marshal %s: %w", typ, err)
	}
	env := ws.Envelope{Type: typ, TS: time.Now().UnixMilli(), ID: uuid.NewString(), Data: raw}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("cwatcher: write %s: %w", typ, err)
	}
	return nil
}

func (s *Stream) readLoop() {
	for {
		var env ws.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			_ = s.conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			s.finish(err)
			return
		}
		s.dispatch(env)
	}
}

// finish fires OnDisconnect exactly once.
func (s *Stream) finish(err error) {
	s.once.Do(func() {
		close(s.done)
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(err)
		}
	})
}

func (s *Stream) dispatch(env ws.Envelope) {
	switch env.Type {
	case ws.TypeBatch:
		var members []ws.Envelope
		if err := json.Unmarshal(env.Data, &members); err != nil {
			return
		}
		for _, m := range members {
			s.dispatch(m)
		}

	case ws.TypePing:
		_ = s.send(ws.TypePong, map[string]int64{"ts": env.TS})

	case ws.TypeHello:
		if s.handlers.OnHello == nil {
			return
		}
		var hello Hello
		if err := json.Unmarshal(env.Data, &hello); err == nil {
			s.handlers.OnHello(hello)
		}

	case ws.TypeSubscribeAck:
		if s.handlers.OnSubscribeAck == nil {
			return
		}
		var sub Subscription
		if err := json.Unmarshal(env.Data, &sub); err == nil {
			s.handlers.OnSubscribeAck(sub)
		}

	case ws.TypeMetrics:
		if s.handlers.OnMetrics == nil {
			return
		}
		var sample models.MetricsSample
		if err := json.Unmarshal(env.Data, &sample); err == nil {
			s.handlers.OnMetrics(&sample)
		}

	case ws.TypeStatusChange:
		if s.handlers.OnStatusChange == nil {
			return
		}
		var ev models.StatusEvent
		if err := json.Unmarshal(env.Data, &ev); err == nil {
			s.handlers.OnStatusChange(&ev)
		}

	case ws.TypeHistory:
		if s.handlers.OnHistory == nil {
			return
		}
		var hist History
		if err := json.Unmarshal(env.Data, &hist); err == nil {
			s.handlers.OnHistory(&hist)
		}

	case ws.TypeError:
		if s.handlers.OnServerError == nil {
			return
		}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &e); err == nil {
			s.handlers.OnServerError(e.Code, e.Message)
		}

	case ws.TypeShutdown:
		if s.handlers.OnShutdown == nil {
			return
		}
		var d struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(env.Data, &d); err == nil {
			s.handlers.OnShutdown(d.Reason)
		}
	}
}
