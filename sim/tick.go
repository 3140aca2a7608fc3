package sim

import (
	"context"
	"time"

	"gapserver/server"
)

// Interval 按 Tick 频率计算的推进间隔
func (w *World) Interval() time.Duration {
	return time.Second / time.Duration(w.tickRate)
}

// Run 启动世界的 Tick 循环（单协程推进世界），直到 ctx 结束或 intents 关闭。
// 每个 Tick：取出当前已到达的意图 → 执行 → 推进 Tick → 写日志（锁外）。
func (w *World) Run(ctx context.Context, intents <-chan server.Envelope) {
	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.Step(intents) {
				return
			}
		}
	}
}

// Step 执行一个 Tick；intents 已关闭时返回 false
func (w *World) Step(intents <-chan server.Envelope) bool {
	batch, open := drain(intents)

	w.mu.Lock()
	applied := make([]AppliedIntent, 0, len(batch))
	for _, env := range batch {
		w.applyLocked(env.Intent)
		applied = append(applied, AppliedIntent{Tick: w.tick, Source: env.Source, Seq: env.Seq, Data: env.Intent})
	}
	w.advanceLocked()
	w.mu.Unlock()

	if w.journal != nil {
		for _, a := range applied {
			if err := w.journal.Write(a); err != nil {
				server.Log.Warnf("journal write: %v", err)
			}
		}
	}
	return open
}

// drain 非阻塞地取出队列中已有的意图，单个 Tick 最多取队列容量条
func drain(intents <-chan server.Envelope) ([]server.Envelope, bool) {
	limit := cap(intents)
	if limit < 1 {
		limit = 1
	}
	var batch []server.Envelope
	for len(batch) < limit {
		select {
		case env, ok := <-intents:
			if !ok {
				return batch, false
			}
			batch = append(batch, env)
		default:
			return batch, true
		}
	}
	return batch, true
}
