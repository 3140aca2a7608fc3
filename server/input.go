package server

// Envelope 入缓冲的意图及其来源，由模拟在自己的 Tick 中解释执行
type Envelope struct {
	Source string // 合并 MoveTo 时的分组键：连接 ID；全局合并时为空
	Seq    uint64 // 客户端序列号，仅用于日志与回放
	Intent Intent
}

func isMove(in Intent) bool {
	_, ok := in.(MoveTo)
	return ok
}

// isCritical UsePotion 与 Stop 不可丢弃、不可合并
func isCritical(in Intent) bool {
	switch in.(type) {
	case UsePotion, Stop:
		return true
	default:
		return false
	}
}
