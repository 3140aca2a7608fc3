package sim

import (
	"sync"

	"gapserver/server"
)

// PotionHeal 每次使用药水恢复的生命值
const PotionHeal = 25

// Recorder 记录已执行的意图（例如写入压缩日志）
type Recorder interface {
	Write(v any) error
}

// AppliedIntent 日志中的一条已执行意图
type AppliedIntent struct {
	Tick   uint64        `json:"tick"`
	Source string        `json:"source,omitempty"`
	Seq    uint64        `json:"seq"`
	Data   server.Intent `json:"data"`
}

type monster struct {
	id    int32
	kind  string
	pos   [2]int32
	hp    int32
	hpMax int32
}

// World 演示用的权威世界状态，所有字段由同一把锁保护；
// 网络层只能通过 Tick/Snapshot 读取，通过意图队列写入
type World struct {
	mu       sync.Mutex
	tick     uint64
	tickRate uint32

	player   server.Player
	monsters []monster
	items    []server.Item
	ui       server.UiState

	// 带 targetTick 的移动，到达该 Tick 时生效
	pendingMove *server.MoveTo
	lastSay     string

	journal Recorder
}

// NewWorld 创建世界并放置初始实体
func NewWorld(tickRate uint32) *World {
	if tickRate == 0 {
		tickRate = server.DefaultTickRate
	}
	return &World{
		tickRate: tickRate,
		player: server.Player{
			Hp: 72, HpMax: 100,
			Mana: 40, ManaMax: 90,
			Pos:    [2]int32{48, 52},
			Level:  1,
			InTown: true,
		},
		monsters: []monster{{id: 1, kind: "SK", pos: [2]int32{51, 54}, hp: 60, hpMax: 100}},
		items:    []server.Item{{ID: 101, Pos: [2]int32{45, 50}}},
		ui:       server.UiState{CanAct: true},
	}
}

// SetJournal 设置已执行意图的记录器，需在 Run 之前调用
func (w *World) SetJournal(r Recorder) { w.journal = r }

// Tick 当前模拟 Tick
func (w *World) Tick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Snapshot 在锁内构建一致的世界视图，返回的数据不与世界共享内存
func (w *World) Snapshot() server.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	nearby := server.NewNearby()
	for _, m := range w.monsters {
		pct := int32(0)
		if m.hpMax > 0 {
			pct = m.hp * 100 / m.hpMax
		}
		nearby.Monsters = append(nearby.Monsters, server.Monster{
			ID:        m.id,
			Kind:      m.kind,
			Pos:       m.pos,
			HpPercent: uint8(pct),
		})
	}
	nearby.Items = append(nearby.Items, w.items...)

	return server.Snapshot{
		Tick:     w.tick,
		TickRate: w.tickRate,
		Data: server.WorldView{
			Player:  w.player,
			Nearby:  nearby,
			UiState: w.ui,
		},
	}
}

// SetCanAct 切换 UI 是否允许行动（菜单、商店等场景）
func (w *World) SetCanAct(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ui.CanAct = v
}

// LastSay 最近一次 Say 的内容
func (w *World) LastSay() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSay
}

// Apply 立即执行一条意图（测试与工具使用；常规路径为 Run）
func (w *World) Apply(env server.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applyLocked(env.Intent)
}

func (w *World) applyLocked(in server.Intent) {
	switch it := in.(type) {
	case server.MoveTo:
		if it.TargetTick != nil && *it.TargetTick > w.tick {
			mv := it
			w.pendingMove = &mv
			return
		}
		w.pendingMove = nil
		w.moveLocked(it.X, it.Y)
	case server.UsePotion:
		if !w.ui.CanAct {
			return
		}
		w.player.Hp += PotionHeal
		if w.player.Hp > w.player.HpMax {
			w.player.Hp = w.player.HpMax
		}
	case server.Say:
		w.lastSay = it.Text
	case server.Stop:
		w.pendingMove = nil
	}
}

// moveLocked 直接移动到目标位置
func (w *World) moveLocked(x, y int32) {
	w.player.Pos = [2]int32{x, y}
}

// advanceLocked 推进一个 Tick，并执行到期的延迟移动
func (w *World) advanceLocked() {
	w.tick++
	if w.pendingMove != nil && w.tick >= *w.pendingMove.TargetTick {
		w.moveLocked(w.pendingMove.X, w.pendingMove.Y)
		w.pendingMove = nil
	}
}
