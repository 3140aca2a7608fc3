package server

// Snapshot 某一时刻的一致性快照，每次读取都重新生成，不做缓存
type Snapshot struct {
	Tick     uint64
	TickRate uint32
	Data     WorldView
}

// SnapshotProvider 由模拟持有者实现的只读访问器。
// 两个方法都在模拟内部锁下短暂读取，不得阻塞、不得 panic；
// Snapshot 的各字段必须来自同一 Tick。
type SnapshotProvider interface {
	Tick() uint64
	Snapshot() Snapshot
}
