package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ListenAndServe 绑定配置中的地址并开始接入，直到 ctx 结束。
// 返回的错误来自监听套接字本身，调用方应视为致命错误。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上接入连接。每个连接由 net/http 在独立协程中处理，
// 慢连接不会阻塞后续接入。ctx 结束时停止接入并关闭所有在线连接。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil {
				Log.Warnf("http shutdown: %v", err)
			}
			// 已升级的连接不受 Shutdown 管理，需单独关闭
			s.sessions.CloseAll()
		case <-stopped:
		}
	}()

	Log.Infof("listening on %s", ln.Addr())
	err := hs.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("accept: %w", err)
}
