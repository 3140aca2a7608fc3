package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ReasonRateLimited 连接超出意图频率限制时 Error.reason 的取值
const ReasonRateLimited = "rate_limited"

// 读协程到处理循环之间的入站帧队列
const inboundQueueSize = 64

// ConnState 单个连接的生命周期，只能单向推进
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateGreeted
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateGreeted:
		return "greeted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Server 持有协议层的共享依赖：快照读取、意图聚合、在线会话与指标
type Server struct {
	cfg      Config
	provider SnapshotProvider
	agg      *IntentAggregator
	sessions *SessionRegistry
	metrics  *Metrics
	recorder SessionRecorder

	// 限流参数可经 /admin/config 热更新
	limitMu   sync.RWMutex
	rateLimit float64
	rateBurst int

	upgrader websocket.Upgrader
}

// NewServer 创建协议服务；metrics 为 nil 时内部新建
func NewServer(cfg Config, provider SnapshotProvider, agg *IntentAggregator, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
		agg:      agg,
		sessions: NewSessionRegistry(),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 仅监听本地回环，允许所有来源
				return true
			},
		},
	}
	s.rateLimit, s.rateBurst = cfg.IntentRateLimit, cfg.IntentBurst
	return s
}

// SetRecorder 设置连接结束汇总的接收方，需在 Serve 之前调用
func (s *Server) SetRecorder(r SessionRecorder) { s.recorder = r }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// IntentLimits 当前每连接的意图限流参数，rate 为 0 表示不限
func (s *Server) IntentLimits() (float64, int) {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return s.rateLimit, s.rateBurst
}

// SetIntentLimits 更新限流参数，新旧连接立即生效
func (s *Server) SetIntentLimits(perSecond float64, burst int) {
	s.limitMu.Lock()
	s.rateLimit, s.rateBurst = perSecond, burst
	s.limitMu.Unlock()
	s.sessions.each(func(c *ClientConn) {
		c.limiter.SetLimit(limitOf(perSecond))
		c.limiter.SetBurst(burst)
	})
}

func limitOf(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// HandleWS WebSocket 接入：握手、问候、进入收发循环，直到任一方向结束
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	openedAt := time.Now()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// 握手失败只影响本次请求
		Log.Warnf("upgrade error: remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	c := newClientConn(s, ws, r.RemoteAddr, openedAt)
	s.sessions.add(c)
	s.metrics.IncConnectionsOpened()
	Log.Infof("connection opened: id=%s remote=%s", c.id, c.remote)

	reason := c.serve()

	s.sessions.remove(c.id)
	s.metrics.IncConnectionsClosed()
	rec := c.record(reason)
	Log.Infof("connection closed: id=%s remote=%s reason=%s intents=%d acks=%d states=%d",
		rec.ID, rec.Remote, rec.CloseReason, rec.IntentsReceived, rec.AcksSent, rec.StatesSent)
	if s.recorder != nil {
		s.recorder.RecordSession(rec)
	}
}

// ClientConn 单个客户端连接。除 Close 与 State 外只在处理协程内使用
type ClientConn struct {
	id       string
	remote   string
	ws       *websocket.Conn
	srv      *Server
	openedAt time.Time
	limiter  *rate.Limiter

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once

	intents int64
	acks    int64
	states  int64
	bytes   int64
}

func newClientConn(s *Server, ws *websocket.Conn, remote string, openedAt time.Time) *ClientConn {
	c := &ClientConn{
		id:       uuid.NewString(),
		remote:   remote,
		ws:       ws,
		srv:      s,
		openedAt: openedAt,
		done:     make(chan struct{}),
	}
	perSecond, burst := s.IntentLimits()
	c.limiter = rate.NewLimiter(limitOf(perSecond), burst)
	return c
}

func (c *ClientConn) ID() string { return c.id }

func (c *ClientConn) State() ConnState { return ConnState(c.state.Load()) }

// advance 只允许从 from 推进到 to；已关闭的连接不会回到活动状态
func (c *ClientConn) advance(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Close 关闭底层连接；可并发、可重复调用
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.state.Store(int32(StateClosed))
		_ = c.ws.Close()
	})
}

// source 合并 MoveTo 时使用的分组键
func (c *ClientConn) source() string {
	if c.srv.cfg.CoalescePerConnection {
		return c.id
	}
	return ""
}

// serve 问候后进入主循环，返回结束原因
func (c *ClientConn) serve() string {
	defer c.Close()

	var agent *string
	if c.srv.cfg.Agent != "" {
		a := c.srv.cfg.Agent
		agent = &a
	}
	if err := c.send(Hello{Version: c.srv.cfg.Version, Agent: agent}); err != nil {
		return "hello: " + err.Error()
	}
	if !c.advance(StateHandshaking, StateGreeted) {
		return "closed"
	}

	inbound := make(chan []byte, inboundQueueSize)
	readErr := make(chan error, 1)
	go c.readPump(inbound, readErr)

	var pings <-chan time.Time
	if c.srv.cfg.PingInterval > 0 {
		t := time.NewTicker(c.srv.cfg.PingInterval)
		defer t.Stop()
		pings = t.C
	}

	// 广播从连接建立时刻起按固定节拍推进：下一次 = 上一次计划时刻 + 间隔，
	// 处理超时不会重置节拍，错过的节拍会被立即补发
	interval := c.srv.cfg.BroadcastInterval
	next := c.openedAt
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	if !c.advance(StateGreeted, StateActive) {
		return "closed"
	}
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return closeReason(<-readErr)
			}
			if err := c.handleFrame(frame); err != nil {
				return "send: " + err.Error()
			}
		case <-timer.C:
			if err := c.broadcast(); err != nil {
				return "send: " + err.Error()
			}
			next = next.Add(interval)
			timer.Reset(time.Until(next))
		case <-pings:
			deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return "ping: " + err.Error()
			}
		}
	}
}

// readPump 读取客户端文本帧送入处理循环；出错时写入 readErr 并关闭 inbound
func (c *ClientConn) readPump(inbound chan<- []byte, readErr chan<- error) {
	defer close(inbound)
	c.ws.SetReadLimit(c.srv.cfg.ReadLimit)
	if c.srv.cfg.PingInterval > 0 {
		pongWait := c.srv.cfg.PongWait
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if kind != websocket.TextMessage {
			c.srv.metrics.IncFramesDiscarded()
			continue
		}
		select {
		case inbound <- payload:
		case <-c.done:
			readErr <- websocket.ErrCloseSent
			return
		}
	}
}

func (c *ClientConn) handleFrame(frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		// 非法输入不影响会话：不确认、不回错
		c.srv.metrics.IncFramesDiscarded()
		Log.Debugf("discarding frame: id=%s err=%v", c.id, err)
		return nil
	}
	switch m := msg.(type) {
	case IntentMessage:
		return c.onIntent(m)
	default:
		// hello/ping/pong 等客户端消息当前不处理
		c.srv.metrics.IncFramesDiscarded()
		return nil
	}
}

func (c *ClientConn) onIntent(m IntentMessage) error {
	if !c.limiter.Allow() {
		c.srv.metrics.IncIntentsRateLimited()
		seq := m.Seq
		return c.send(ErrorMessage{Seq: &seq, Reason: ReasonRateLimited})
	}

	c.srv.agg.Push(Envelope{Source: c.source(), Seq: m.Seq, Intent: m.Data})
	c.intents++
	c.srv.metrics.IncIntentsReceived()

	// Tick 为确认时刻的模拟 Tick，不一定是意图实际生效的 Tick
	if err := c.send(Ack{Seq: m.Seq, Tick: c.srv.provider.Tick()}); err != nil {
		return err
	}
	c.acks++
	c.srv.metrics.IncAcksSent()
	return nil
}

// broadcast 读取新的快照并下发；快照读取不跨越网络写
func (c *ClientConn) broadcast() error {
	snap := c.srv.provider.Snapshot()
	if err := c.send(State{Tick: snap.Tick, TickRate: snap.TickRate, Data: snap.Data}); err != nil {
		return err
	}
	c.states++
	c.srv.metrics.IncStatesSent()
	return nil
}

func (c *ClientConn) send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return err
	}
	c.bytes += int64(len(b))
	c.srv.metrics.AddBytesSent(len(b))
	return nil
}

func (c *ClientConn) record(reason string) SessionRecord {
	return SessionRecord{
		ID:              c.id,
		Remote:          c.remote,
		OpenedAt:        c.openedAt,
		ClosedAt:        time.Now(),
		IntentsReceived: c.intents,
		AcksSent:        c.acks,
		StatesSent:      c.states,
		BytesSent:       c.bytes,
		CloseReason:     reason,
	}
}

func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return "client closed"
	}
	return "read: " + err.Error()
}
