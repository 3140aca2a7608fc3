package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval 聚合周期，与广播周期相互独立
	DefaultSweepInterval = 16 * time.Millisecond
	// DefaultIntentQueueSize 输出到模拟的有界队列容量
	DefaultIntentQueueSize = 128
)

// IntentAggregator 汇集所有连接的意图，按固定周期合并后转发给模拟。
// 缓冲锁只在单次 Push 或单次交换时持有，转发期间不持锁。
type IntentAggregator struct {
	mu  sync.Mutex
	buf []Envelope

	out       chan Envelope
	period    time.Duration
	closed    chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

func NewIntentAggregator(period time.Duration, capacity int) *IntentAggregator {
	if period <= 0 {
		period = DefaultSweepInterval
	}
	if capacity < 1 {
		capacity = 1
	}
	return &IntentAggregator{
		out:     make(chan Envelope, capacity),
		period:  period,
		closed:  make(chan struct{}),
		metrics: NewMetrics(),
	}
}

// WithMetrics 共享服务端的指标
func (a *IntentAggregator) WithMetrics(m *Metrics) *IntentAggregator {
	if m != nil {
		a.metrics = m
	}
	return a
}

// Intents 模拟侧消费的输出队列
func (a *IntentAggregator) Intents() <-chan Envelope { return a.out }

// Push 记录一条意图，等待下一次 Sweep；从不阻塞在下游上
func (a *IntentAggregator) Push(env Envelope) {
	a.mu.Lock()
	a.buf = append(a.buf, env)
	a.mu.Unlock()
}

// Pending 当前缓冲中尚未转发的意图数
func (a *IntentAggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Close 标记下游已关闭，此后转发的意图被静默丢弃
func (a *IntentAggregator) Close() {
	a.closeOnce.Do(func() { close(a.closed) })
}

// Run 周期性执行 Sweep，直到 ctx 结束
func (a *IntentAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep 取走并清空缓冲，合并后按顺序转发；下游满时阻塞（背压）
func (a *IntentAggregator) Sweep(ctx context.Context) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	a.metrics.IncSweeps()

	forwarded := Coalesce(batch)
	a.metrics.AddMovesCoalesced(len(batch) - len(forwarded))
	for _, env := range forwarded {
		a.forward(ctx, env)
	}
}

func (a *IntentAggregator) forward(ctx context.Context, env Envelope) {
	// 下游已关闭时直接丢弃，避免在 select 中与仍有空位的队列竞争
	select {
	case <-a.closed:
		a.metrics.IncIntentsDropped()
		return
	default:
	}
	select {
	case a.out <- env:
		a.metrics.IncIntentsForwarded()
	case <-a.closed:
		a.metrics.IncIntentsDropped()
	case <-ctx.Done():
		a.metrics.IncIntentsDropped()
	}
}

// Coalesce 按转发策略整理一个周期内的意图：
// 其他意图（到达顺序）→ 全部 UsePotion/Stop（到达顺序）→ 每个来源最后一条 MoveTo。
// 多个来源的 MoveTo 按各自最后一条的到达顺序排列。
func Coalesce(batch []Envelope) []Envelope {
	var others, critical []Envelope
	lastMove := make(map[string]int)
	for i, env := range batch {
		switch {
		case isMove(env.Intent):
			lastMove[env.Source] = i
		case isCritical(env.Intent):
			critical = append(critical, env)
		default:
			others = append(others, env)
		}
	}

	moves := make([]int, 0, len(lastMove))
	for _, idx := range lastMove {
		moves = append(moves, idx)
	}
	sort.Ints(moves)

	out := make([]Envelope, 0, len(others)+len(critical)+len(moves))
	out = append(out, others...)
	out = append(out, critical...)
	for _, idx := range moves {
		out = append(out, batch[idx])
	}
	return out
}
