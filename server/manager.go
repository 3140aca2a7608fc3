package server

import (
	"sort"
	"sync"
	"time"
)

// SessionRegistry 管理在线连接，用于监控输出与退出时统一关闭
type SessionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ClientConn
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{conns: make(map[string]*ClientConn)}
}

func (r *SessionRegistry) add(c *ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

func (r *SessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Count 当前在线连接数
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionInfo 在线连接的只读描述
type SessionInfo struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	State    string    `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
}

// List 按建立时间排序返回在线连接
func (r *SessionRegistry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, SessionInfo{
			ID:       c.id,
			Remote:   c.remote,
			State:    c.State().String(),
			OpenedAt: c.openedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// each 对当前在线连接的快照逐个调用 fn，调用期间不持有注册表锁
func (r *SessionRegistry) each(fn func(*ClientConn)) {
	r.mu.RLock()
	conns := make([]*ClientConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}

// CloseAll 关闭全部底层连接；各连接的处理协程随后自行退出
func (r *SessionRegistry) CloseAll() {
	r.each(func(c *ClientConn) { c.Close() })
}

// SessionRecord 连接结束时的汇总
type SessionRecord struct {
	ID              string
	Remote          string
	OpenedAt        time.Time
	ClosedAt        time.Time
	IntentsReceived int64
	AcksSent        int64
	StatesSent      int64
	BytesSent       int64
	CloseReason     string
}

// SessionRecorder 接收连接结束汇总（例如写入索引库）；实现不得阻塞
type SessionRecorder interface {
	RecordSession(SessionRecord)
}
