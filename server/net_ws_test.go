package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 每次读取快照推进一个 Tick
type fakeProvider struct {
	tick atomic.Uint64
}

func (p *fakeProvider) Tick() uint64 { return p.tick.Load() }

func (p *fakeProvider) Snapshot() Snapshot {
	t := p.tick.Add(1)
	return Snapshot{
		Tick:     t,
		TickRate: 30,
		Data: WorldView{
			Player: Player{Hp: 10, HpMax: 10, Pos: [2]int32{1, 2}},
			Nearby: NewNearby(),
		},
	}
}

type recorderFunc func(SessionRecord)

func (f recorderFunc) RecordSession(r SessionRecord) { f(r) }

type testServer struct {
	srv      *Server
	agg      *IntentAggregator
	provider *fakeProvider
	url      string
	http     *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Config), opts ...func(*Server)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	provider := &fakeProvider{}
	agg := NewIntentAggregator(time.Hour, 64)
	srv := NewServer(cfg, provider, agg, nil)
	for _, opt := range opts {
		opt(srv)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Sessions().CloseAll()
		ts.Close()
	})
	return &testServer{
		srv:      srv,
		agg:      agg,
		provider: provider,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/",
		http:     ts,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, within time.Duration) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	msg, err := Decode(payload)
	require.NoError(t, err, "payload %s", payload)
	return msg
}

// readUntil 跳过其他消息，直到 match 返回 true
func readUntil(t *testing.T, conn *websocket.Conn, within time.Duration, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn, time.Until(deadline))
		if match(msg) {
			return msg
		}
	}
	t.Fatalf("no matching message within %v", within)
	return nil
}

func isAck(m Message) bool {
	_, ok := m.(Ack)
	return ok
}

func isAckOrError(m Message) bool {
	switch m.(type) {
	case Ack, ErrorMessage:
		return true
	}
	return false
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func sendIntent(t *testing.T, conn *websocket.Conn, seq uint64, in Intent) {
	t.Helper()
	b, err := Encode(IntentMessage{Seq: seq, Data: in})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestHandler_HelloFirstThenState(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	first := readMessage(t, conn, time.Second)
	assert.Equal(t, Hello{Version: ProtocolVersion, Agent: str("poc")}, first)

	next := readMessage(t, conn, time.Second)
	st, ok := next.(State)
	require.True(t, ok, "expected state, got %T", next)
	assert.EqualValues(t, 30, st.TickRate)
	assert.Equal(t, [2]int32{1, 2}, st.Data.Player.Pos)
}

func TestHandler_HelloWithoutAgent(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Agent = "" })
	conn := dial(t, ts.url)
	assert.Equal(t, Hello{Version: ProtocolVersion}, readMessage(t, conn, time.Second))
}

func TestHandler_IntentIsAckedOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second) // hello

	before := ts.provider.Tick()
	sendIntent(t, conn, 5, MoveTo{X: 10, Y: 20})

	ack := readUntil(t, conn, time.Second, isAck).(Ack)
	assert.EqualValues(t, 5, ack.Seq)
	assert.GreaterOrEqual(t, ack.Tick, before)

	// 不会再收到同一 seq 的确认
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := Decode(payload)
		require.NoError(t, err)
		_, dup := msg.(Ack)
		assert.False(t, dup, "unexpected extra ack: %s", payload)
	}

	require.Equal(t, 1, ts.agg.Pending())
	ts.agg.Sweep(context.Background())
	got := recvEnvelope(t, ts.agg.Intents(), time.Second)
	assert.Equal(t, MoveTo{X: 10, Y: 20}, got.Intent)
	assert.EqualValues(t, 5, got.Seq)
	assert.NotEmpty(t, got.Source)
}

func TestHandler_GlobalCoalescingKey(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.CoalescePerConnection = false })
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	sendIntent(t, conn, 1, Stop{})
	readUntil(t, conn, time.Second, isAck)

	ts.agg.Sweep(context.Background())
	got := recvEnvelope(t, ts.agg.Intents(), time.Second)
	assert.Equal(t, "", got.Source)
}

func TestHandler_AcksFollowReceiptOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	for seq := uint64(1); seq <= 20; seq++ {
		sendIntent(t, conn, seq, Say{Text: "x"})
	}
	for seq := uint64(1); seq <= 20; seq++ {
		ack := readUntil(t, conn, time.Second, isAck).(Ack)
		assert.Equal(t, seq, ack.Seq)
	}
	assert.Equal(t, 20, ts.agg.Pending())
}

func TestHandler_PeriodicStates(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	var states []State
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := Decode(payload)
		require.NoError(t, err)
		if st, ok := msg.(State); ok {
			states = append(states, st)
		}
	}

	require.GreaterOrEqual(t, len(states), 2)
	for i := 1; i < len(states); i++ {
		assert.Greater(t, states[i].Tick, states[i-1].Tick)
		assert.Equal(t, states[0].TickRate, states[i].TickRate)
	}
}

func TestHandler_MalformedFramesAreIgnored(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	sendJSON(t, conn, `garbage`)
	sendJSON(t, conn, `{"type":"intent","seq":1,"data":{"cmd":"fly"}}`)
	sendJSON(t, conn, `{"type":"intent","seq":2`)
	sendJSON(t, conn, `{"type":"hello","version":"0.2.0","agent":"test"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	sendIntent(t, conn, 3, UsePotion{})

	// 第一条回复就是 seq 3 的确认，非法帧没有任何回应
	reply := readUntil(t, conn, time.Second, isAckOrError)
	assert.Equal(t, uint64(3), reply.(Ack).Seq)
	assert.Equal(t, 1, ts.agg.Pending())
	assert.GreaterOrEqual(t, atomic.LoadInt64(&ts.srv.Metrics().FramesDiscarded), int64(5))
}

func TestHandler_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.IntentRateLimit = 0.001
		c.IntentBurst = 1
	})
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	sendIntent(t, conn, 1, Stop{})
	sendIntent(t, conn, 2, Stop{})

	first := readUntil(t, conn, time.Second, isAckOrError)
	assert.Equal(t, Ack{Seq: 1, Tick: first.(Ack).Tick}, first)
	second := readUntil(t, conn, time.Second, isAckOrError)
	assert.Equal(t, ErrorMessage{Seq: u64(2), Reason: ReasonRateLimited}, second)
	assert.Equal(t, 1, ts.agg.Pending())
}

func TestHandler_ConnectionsAreIndependent(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts.url)
	b := dial(t, ts.url)

	assert.IsType(t, Hello{}, readMessage(t, a, time.Second))
	assert.IsType(t, Hello{}, readMessage(t, b, time.Second))

	isState := func(m Message) bool { _, ok := m.(State); return ok }
	readUntil(t, a, time.Second, isState)
	readUntil(t, b, time.Second, isState)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return ts.srv.Sessions().Count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		readUntil(t, b, time.Second, isState)
	}
	sendIntent(t, b, 9, Say{Text: "still here"})
	assert.EqualValues(t, 9, readUntil(t, b, time.Second, isAck).(Ack).Seq)
}

func TestHandler_SessionRecorded(t *testing.T) {
	var (
		mu      sync.Mutex
		records []SessionRecord
	)
	ts := newTestServer(t, nil, func(s *Server) {
		s.SetRecorder(recorderFunc(func(r SessionRecord) {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, r)
		}))
	})

	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)
	sendIntent(t, conn, 1, Stop{})
	readUntil(t, conn, time.Second, isAck)

	sessions := ts.srv.Sessions().List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "active", sessions[0].State)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	rec := records[0]
	mu.Unlock()
	assert.Equal(t, sessions[0].ID, rec.ID)
	assert.EqualValues(t, 1, rec.IntentsReceived)
	assert.EqualValues(t, 1, rec.AcksSent)
	assert.GreaterOrEqual(t, rec.StatesSent, int64(1))
	assert.Equal(t, "client closed", rec.CloseReason)
	assert.Equal(t, 0, ts.srv.Sessions().Count())
}

func TestHandler_UpgradeFailureIsLocal(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 之后的连接不受影响
	conn := dial(t, ts.url)
	assert.IsType(t, Hello{}, readMessage(t, conn, time.Second))
}

func TestServe_ShutdownClosesConnections(t *testing.T) {
	cfg := DefaultConfig()
	provider := &fakeProvider{}
	srv := NewServer(cfg, provider, NewIntentAggregator(time.Hour, 8), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn := dial(t, "ws://"+ln.Addr().String()+"/")
	assert.IsType(t, Hello{}, readMessage(t, conn, time.Second))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}

	// 服务端关闭后客户端读到错误，而不是超时
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var readErr error
	for readErr == nil {
		_, _, readErr = conn.ReadMessage()
	}
	var netErr net.Error
	if errors.As(readErr, &netErr) {
		assert.False(t, netErr.Timeout(), "connection still open after shutdown")
	}
}

func TestServe_ListenFailureIsReported(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.Addr = ln.Addr().String()
	srv := NewServer(cfg, &fakeProvider{}, NewIntentAggregator(time.Hour, 1), nil)
	err = srv.ListenAndServe(context.Background())
	assert.Error(t, err)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)
	sendIntent(t, conn, 1, Say{Text: "x"})
	readUntil(t, conn, time.Second, isAck)

	get := func(path string) (*http.Response, []byte) {
		resp, err := http.Get(ts.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return resp, []byte(buf.String())
	}

	resp, body := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = get("/metrics")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var metrics struct {
		Sessions       int            `json:"sessions"`
		IntentsPending int            `json:"intents_pending"`
		Metrics        map[string]any `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.Equal(t, 1, metrics.Sessions)
	assert.Equal(t, 1, metrics.IntentsPending)
	assert.EqualValues(t, 1, metrics.Metrics["intents_received"])
	assert.Contains(t, metrics.Metrics, "bytes_sent_human")

	_, body = get("/admin/config")
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, "33ms", cfg["broadcast_interval"])
	assert.Equal(t, "16ms", cfg["sweep_interval"])

	_, body = get("/admin/sessions")
	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "active", sessions[0].State)
}

func TestClientConn_StateIsOneWay(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := dial(t, ts.url)

	c := newClientConn(ts.srv, ws, "test", time.Now())
	assert.Equal(t, StateHandshaking, c.State())
	require.True(t, c.advance(StateHandshaking, StateGreeted))
	assert.False(t, c.advance(StateHandshaking, StateGreeted))

	// 问候之后、进入主循环之前被关闭，不能再回到 active
	c.Close()
	assert.False(t, c.advance(StateGreeted, StateActive))
	assert.Equal(t, StateClosed, c.State())
	c.Close()
	assert.Equal(t, StateClosed, c.State())
}

func TestAdminConfig_UpdatesIntentLimits(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	readMessage(t, conn, time.Second)

	sendIntent(t, conn, 1, Stop{})
	sendIntent(t, conn, 2, Stop{})
	assert.IsType(t, Ack{}, readUntil(t, conn, time.Second, isAckOrError))
	assert.IsType(t, Ack{}, readUntil(t, conn, time.Second, isAckOrError))

	post := func(body string) int {
		resp, err := http.Post(ts.http.URL+"/admin/config", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusBadRequest, post(`{`))
	assert.Equal(t, http.StatusBadRequest, post(`{"intent_rate_limit":-1}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"intent_rate_limit":5,"intent_burst":0}`))
	assert.Equal(t, http.StatusOK, post(`{"intent_rate_limit":0.001,"intent_burst":1}`))

	// 已建立的连接立即按新参数限流
	sendIntent(t, conn, 3, Stop{})
	sendIntent(t, conn, 4, Stop{})
	assert.Equal(t, uint64(3), readUntil(t, conn, time.Second, isAckOrError).(Ack).Seq)
	assert.Equal(t, ErrorMessage{Seq: u64(4), Reason: ReasonRateLimited}, readUntil(t, conn, time.Second, isAckOrError))

	resp, err := http.Get(ts.http.URL + "/admin/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.EqualValues(t, 0.001, cfg["intent_rate_limit"])
	assert.EqualValues(t, 1, cfg["intent_burst"])

	perSecond, burst := ts.srv.IntentLimits()
	assert.Equal(t, 0.001, perSecond)
	assert.Equal(t, 1, burst)

	// 只给出部分字段时其余保持不变
	assert.Equal(t, http.StatusOK, post(`{"intent_rate_limit":0}`))
	perSecond, burst = ts.srv.IntentLimits()
	assert.Zero(t, perSecond)
	assert.Equal(t, 1, burst)

	req, err := http.NewRequest(http.MethodPut, ts.http.URL+"/admin/config", strings.NewReader(`{}`))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	putResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, putResp.StatusCode)
}
