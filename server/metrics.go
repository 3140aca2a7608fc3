package server

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	ConnectionsOpened  int64 // 已建立的连接数
	ConnectionsClosed  int64 // 已关闭的连接数
	IntentsReceived    int64 // 收到并入缓冲的意图数
	IntentsRateLimited int64 // 因连接限流被拒绝的意图数
	FramesDiscarded    int64 // 无法解析或无需处理而被丢弃的入站帧数
	AcksSent           int64
	StatesSent         int64
	BytesSent          int64 // 出站文本帧累计字节
	Sweeps             int64 // 非空的聚合周期数
	IntentsForwarded   int64 // 已转发给模拟的意图数
	MovesCoalesced     int64 // 被后续 MoveTo 覆盖而丢弃的 MoveTo 数
	IntentsDropped     int64 // 下游已关闭时丢弃的意图数
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncConnectionsOpened()  { atomic.AddInt64(&m.ConnectionsOpened, 1) }
func (m *Metrics) IncConnectionsClosed()  { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *Metrics) IncIntentsReceived()    { atomic.AddInt64(&m.IntentsReceived, 1) }
func (m *Metrics) IncIntentsRateLimited() { atomic.AddInt64(&m.IntentsRateLimited, 1) }
func (m *Metrics) IncFramesDiscarded()    { atomic.AddInt64(&m.FramesDiscarded, 1) }
func (m *Metrics) IncAcksSent()           { atomic.AddInt64(&m.AcksSent, 1) }
func (m *Metrics) IncStatesSent()         { atomic.AddInt64(&m.StatesSent, 1) }
func (m *Metrics) AddBytesSent(n int)     { atomic.AddInt64(&m.BytesSent, int64(n)) }
func (m *Metrics) IncSweeps()             { atomic.AddInt64(&m.Sweeps, 1) }
func (m *Metrics) IncIntentsForwarded()   { atomic.AddInt64(&m.IntentsForwarded, 1) }
func (m *Metrics) AddMovesCoalesced(n int) {
	atomic.AddInt64(&m.MovesCoalesced, int64(n))
}
func (m *Metrics) IncIntentsDropped() { atomic.AddInt64(&m.IntentsDropped, 1) }

// Active 当前活跃连接数
func (m *Metrics) Active() int64 {
	return atomic.LoadInt64(&m.ConnectionsOpened) - atomic.LoadInt64(&m.ConnectionsClosed)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	bytesSent := atomic.LoadInt64(&m.BytesSent)
	return map[string]any{
		"connections_opened":   atomic.LoadInt64(&m.ConnectionsOpened),
		"connections_closed":   atomic.LoadInt64(&m.ConnectionsClosed),
		"connections_active":   m.Active(),
		"intents_received":     atomic.LoadInt64(&m.IntentsReceived),
		"intents_rate_limited": atomic.LoadInt64(&m.IntentsRateLimited),
		"frames_discarded":     atomic.LoadInt64(&m.FramesDiscarded),
		"acks_sent":            atomic.LoadInt64(&m.AcksSent),
		"states_sent":          atomic.LoadInt64(&m.StatesSent),
		"bytes_sent":           bytesSent,
		"bytes_sent_human":     humanize.Bytes(uint64(bytesSent)),
		"sweeps":               atomic.LoadInt64(&m.Sweeps),
		"intents_forwarded":    atomic.LoadInt64(&m.IntentsForwarded),
		"moves_coalesced":      atomic.LoadInt64(&m.MovesCoalesced),
		"intents_dropped":      atomic.LoadInt64(&m.IntentsDropped),
	}
}
