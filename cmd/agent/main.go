package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gapserver/server"
)

// agent 测试客户端：每收到一次 State，就请求玩家向东移动一格
func main() {
	var (
		url   = flag.String("url", "ws://"+server.DefaultAddr, "server websocket url")
		limit = flag.Int("intents", 0, "stop after sending this many intents (0 = unlimited)")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	log.Infof("connecting to %s", *url)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	sent := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Infof("connection closed: %v", err)
			return
		}
		msg, err := server.Decode(payload)
		if err != nil {
			log.Warnf("unknown message: %s", payload)
			continue
		}
		switch m := msg.(type) {
		case server.Hello:
			log.Infof("server hello: version=%s", m.Version)
		case server.State:
			pos := m.Data.Player.Pos
			if *limit > 0 && sent >= *limit {
				continue
			}
			intent := server.IntentMessage{
				Seq:  uint64(time.Now().UnixMilli()),
				Data: server.MoveTo{X: pos[0] + 1, Y: pos[1]},
			}
			b, err := server.Encode(intent)
			if err != nil {
				log.Fatalf("encode: %v", err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Infof("write: %v", err)
				return
			}
			sent++
			log.Debugf("tick=%d pos=%v -> move_to (%d,%d)", m.Tick, pos, pos[0]+1, pos[1])
		case server.Ack:
			log.Debugf("ack seq=%d tick=%d", m.Seq, m.Tick)
		case server.ErrorMessage:
			log.Warnf("error: %s", m.Reason)
		default:
			log.Infof("message: %s", msg.MessageType())
		}
	}
}
