package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/ws"
)

// ============================================================================
// REST
// ============================================================================

func TestCreateServerRoundTrip(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"57b66a0c-9d27-4a0e-93b5-62a0a5f7f9aa","name":"web-01","host":"10.0.0.8","port":22,"username":"monitor","auth_kind":"password","monitor_enabled":true}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	rec, err := c.CreateServer(context.Background(), NewServer{
		Name:     "web-01",
		Host:     "10.0.0.8",
		Username: "monitor",
		AuthKind: models.AuthPassword,
		Password: "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/servers", gotPath)
	assert.Equal(t, "web-01", gotBody["name"])
	assert.Equal(t, "hunter2", gotBody["password"])
	assert.Equal(t, "web-01", rec.Name)
	assert.Equal(t, 22, rec.Port)
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"server ghost not found","code":"not_found"}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.GetServer(context.Background(), "ghost")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "server ghost not found")
}

func TestSampleHistoryEncodesWindow(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"server_id":"s1","metric":"cpu","partial":true,"samples":[]}`)
	}))
	defer srv.Close()

	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	c := New(Config{BaseURL: srv.URL})
	hist, err := c.SampleHistory(context.Background(), "s1", models.MetricCPU, from, to)
	require.NoError(t, err)

	assert.Equal(t, []string{"cpu"}, gotQuery["metric"])
	assert.Equal(t, []string{"2025-06-01T10:00:00Z"}, gotQuery["from"])
	assert.Equal(t, []string{"2025-06-01T11:00:00Z"}, gotQuery["to"])
	assert.True(t, hist.Partial)
	assert.Empty(t, hist.Samples)
}

func TestDeleteServerAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	require.NoError(t, c.DeleteServer(context.Background(), "s1"))
}

// ============================================================================
// STREAM
// ============================================================================

// wireFrame builds one envelope; payloads here cannot fail to marshal.
func wireFrame(typ string, data interface{}) ws.Envelope {
	raw, _ := json.Marshal(data)
	return ws.Envelope{Type: typ, TS: time.Now().UnixMilli(), Data: raw}
}

func TestStreamDispatchesAndAnswersHeartbeat(t *testing.T) {
	upgrader := websocket.Upgrader{}
	script := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			script <- err
			return
		}
		defer conn.Close()
		script <- runScript(conn)
	}))
	defer srv.Close()

	hellos := make(chan Hello, 1)
	samples := make(chan *models.MetricsSample, 4)
	shutdowns := make(chan string, 1)
	disconnects := make(chan error, 1)

	c := New(Config{BaseURL: srv.URL})
	stream, err := c.Stream(context.Background(), Handlers{
		OnHello:        func(h Hello) { hellos <- h },
		OnMetrics:      func(s *models.MetricsSample) { samples <- s },
		OnShutdown:     func(reason string) { shutdowns <- reason },
		OnDisconnect:   func(err error) { disconnects <- err },
		OnSubscribeAck: func(Subscription) {},
	})
	require.NoError(t, err)
	defer stream.Close()

	select {
	case h := <-hellos:
		assert.Equal(t, "conn-1", h.ConnectionID)
		require.Len(t, h.Servers, 1)
		assert.Equal(t, models.StatusOnline, h.Servers[0].Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no HELLO")
	}

	require.NoError(t, stream.Subscribe(Subscription{}))

	select {
	case s := <-samples:
		assert.Equal(t, "srv-1", s.ServerID)
	case <-time.After(5 * time.Second):
		t.Fatal("no METRICS")
	}

	select {
	case reason := <-shutdowns:
		assert.Equal(t, "service stopping", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no SHUTDOWN")
	}

	select {
	case err := <-disconnects:
		assert.NoError(t, err, "going-away close is a clean end")
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect callback")
	}

	require.NoError(t, <-script)

	select {
	case <-stream.Done():
	default:
		t.Fatal("Done should be closed after disconnect")
	}
}

// runScript plays the service side of one scripted session.
func runScript(conn *websocket.Conn) error {
	send := func(env ws.Envelope) error { return conn.WriteJSON(env) }

	if err := send(wireFrame(ws.TypeHello, Hello{
		ConnectionID:       "conn-1",
		HeartbeatIntervalS: 30,
		Servers: []HelloServer{{
			ServerStatus: models.ServerStatus{ServerID: "srv-1", Kind: models.StatusOnline},
		}},
	})); err != nil {
		return err
	}

	// Client subscribes; empty selector must normalize to "all".
	var sub ws.Envelope
	if err := conn.ReadJSON(&sub); err != nil {
		return err
	}
	if sub.Type != ws.TypeSubscribe {
		return fmt.Errorf("want SUBSCRIBE, got %s", sub.Type)
	}
	var subData struct {
		Servers json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(sub.Data, &subData); err != nil {
		return err
	}
	if string(subData.Servers) != `"all"` {
		return fmt.Errorf("want servers \"all\", got %s", subData.Servers)
	}

	// Heartbeat: the stream must answer on its own.
	if err := send(wireFrame(ws.TypePing, map[string]int64{"ts": time.Now().UnixMilli()})); err != nil {
		return err
	}
	var pong ws.Envelope
	if err := conn.ReadJSON(&pong); err != nil {
		return err
	}
	if pong.Type != ws.TypePong {
		return fmt.Errorf("want PONG, got %s", pong.Type)
	}

	// Metrics arrive inside a BATCH like the coalescing writer sends them.
	metrics := wireFrame(ws.TypeMetrics, &models.MetricsSample{ID: "m-1", ServerID: "srv-1", Timestamp: time.Now().UnixMilli()})
	batched, err := json.Marshal([]ws.Envelope{metrics})
	if err != nil {
		return err
	}
	if err := send(ws.Envelope{Type: ws.TypeBatch, TS: time.Now().UnixMilli(), Data: batched}); err != nil {
		return err
	}

	if err := send(wireFrame(ws.TypeShutdown, map[string]string{"reason": "service stopping"})); err != nil {
		return err
	}
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
		time.Now().Add(time.Second))
}

func TestWSEndpointRewrite(t *testing.T) {
	got, err := wsEndpoint("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", got)

	got, err = wsEndpoint("https://cwatcher.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://cwatcher.example.com/ws", got)

	_, err = wsEndpoint("ftp://nope")
	assert.Error(t, err)
}
