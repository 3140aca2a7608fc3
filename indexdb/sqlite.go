package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"gapserver/server"
)

// SessionIndex 已结束连接的索引库。写入由单独的协程完成，连接处理协程不等待磁盘
type SessionIndex struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
	ch     chan server.SessionRecord
	wg     sync.WaitGroup
	once   sync.Once
}

// OpenSQLite 打开（必要时创建）索引库并启动写入协程
func OpenSQLite(path string) (*SessionIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SessionIndex{
		db: db,
		ch: make(chan server.SessionRecord, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			remote TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			closed_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			intents INTEGER NOT NULL,
			acks INTEGER NOT NULL,
			states INTEGER NOT NULL,
			bytes_sent INTEGER NOT NULL,
			close_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_opened_at ON sessions(opened_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// RecordSession 将记录放入写入队列；队列已满或索引已关闭时丢弃
func (s *SessionIndex) RecordSession(rec server.SessionRecord) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
		server.Log.Warnf("session index behind; dropping session %s", rec.ID)
	}
}

// Count 已写入的会话数
func (s *SessionIndex) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Close 写完队列中的记录后关闭数据库
func (s *SessionIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SessionIndex) loop() {
	insert, err := s.db.Prepare(`INSERT OR REPLACE INTO sessions(id,remote,opened_at,closed_at,duration_ms,intents,acks,states,bytes_sent,close_reason) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		server.Log.Errorf("session index: prepare: %v", err)
		for range s.ch {
		}
		return
	}
	defer insert.Close()

	for rec := range s.ch {
		_, err := insert.Exec(
			rec.ID,
			rec.Remote,
			rec.OpenedAt.UTC().Format(time.RFC3339Nano),
			rec.ClosedAt.UTC().Format(time.RFC3339Nano),
			rec.ClosedAt.Sub(rec.OpenedAt).Milliseconds(),
			rec.IntentsReceived,
			rec.AcksSent,
			rec.StatesSent,
			rec.BytesSent,
			rec.CloseReason,
		)
		if err != nil {
			server.Log.Warnf("session index: insert %s: %v", rec.ID, err)
		}
	}
}
