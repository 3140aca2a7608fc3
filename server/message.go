package server

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion 默认在 Hello 中下发的协议版本
const ProtocolVersion = "0.2.0"

// 消息标签（type 字段），需与客户端严格一致
const (
	TypeHello  = "hello"
	TypeState  = "state"
	TypeIntent = "intent"
	TypeAck    = "ack"
	TypeError  = "error"
	TypePing   = "ping"
	TypePong   = "pong"
)

// 意图标签（cmd 字段）
const (
	CmdMoveTo    = "move_to"
	CmdUsePotion = "use_potion"
	CmdSay       = "say"
	CmdStop      = "stop"
)

// Message 线上消息的封闭联合类型，只有本包内的变体可以实现
type Message interface {
	MessageType() string
	isMessage()
}

// Intent 客户端命令的封闭联合类型
type Intent interface {
	Cmd() string
	isIntent()
}

// Hello 服务端在连接建立后立即发送的问候
type Hello struct {
	Version string  `json:"version"`
	Agent   *string `json:"agent"`
}

// State 定时广播的世界快照
type State struct {
	Tick     uint64    `json:"tick"`
	TickRate uint32    `json:"tick_rate"`
	Data     WorldView `json:"data"`
}

// IntentMessage 客户端提交的意图，Seq 由客户端单调递增
type IntentMessage struct {
	Seq  uint64 `json:"seq"`
	Data Intent `json:"data"`
}

// Ack 对 IntentMessage 的确认，Tick 为确认时刻的模拟 Tick
type Ack struct {
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick"`
}

// ErrorMessage 处理失败的通知
type ErrorMessage struct {
	Seq    *uint64 `json:"seq"`
	Reason string  `json:"reason"`
}

type Ping struct{}

type Pong struct{}

func (Hello) MessageType() string         { return TypeHello }
func (State) MessageType() string         { return TypeState }
func (IntentMessage) MessageType() string { return TypeIntent }
func (Ack) MessageType() string           { return TypeAck }
func (ErrorMessage) MessageType() string  { return TypeError }
func (Ping) MessageType() string          { return TypePing }
func (Pong) MessageType() string          { return TypePong }

func (Hello) isMessage()         {}
func (State) isMessage()         {}
func (IntentMessage) isMessage() {}
func (Ack) isMessage()           {}
func (ErrorMessage) isMessage()  {}
func (Ping) isMessage()          {}
func (Pong) isMessage()          {}

// MoveTo 移动到目标格；TargetTick 为可选的期望生效 Tick
type MoveTo struct {
	X          int32   `json:"x"`
	Y          int32   `json:"y"`
	TargetTick *uint64 `json:"targetTick"`
}

type UsePotion struct {
	Slot *uint8 `json:"slot"`
}

type Say struct {
	Text string `json:"text"`
}

type Stop struct{}

func (MoveTo) Cmd() string    { return CmdMoveTo }
func (UsePotion) Cmd() string { return CmdUsePotion }
func (Say) Cmd() string       { return CmdSay }
func (Stop) Cmd() string      { return CmdStop }

func (MoveTo) isIntent()    {}
func (UsePotion) isIntent() {}
func (Say) isIntent()       {}
func (Stop) isIntent()      {}

// 带标签的编码：把变体字段与 type/cmd 字段拍平到同一个 JSON 对象

func (m Hello) MarshalJSON() ([]byte, error) {
	type wire Hello
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{TypeHello, wire(m)})
}

func (m State) MarshalJSON() ([]byte, error) {
	type wire State
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{TypeState, wire(m)})
}

func (m IntentMessage) MarshalJSON() ([]byte, error) {
	type wire IntentMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{TypeIntent, wire(m)})
}

func (m Ack) MarshalJSON() ([]byte, error) {
	type wire Ack
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{TypeAck, wire(m)})
}

func (m ErrorMessage) MarshalJSON() ([]byte, error) {
	type wire ErrorMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{TypeError, wire(m)})
}

func (Ping) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypePing})
}

func (Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypePong})
}

func (i MoveTo) MarshalJSON() ([]byte, error) {
	type wire MoveTo
	return json.Marshal(struct {
		Cmd string `json:"cmd"`
		wire
	}{CmdMoveTo, wire(i)})
}

func (i UsePotion) MarshalJSON() ([]byte, error) {
	type wire UsePotion
	return json.Marshal(struct {
		Cmd string `json:"cmd"`
		wire
	}{CmdUsePotion, wire(i)})
}

func (i Say) MarshalJSON() ([]byte, error) {
	type wire Say
	return json.Marshal(struct {
		Cmd string `json:"cmd"`
		wire
	}{CmdSay, wire(i)})
}

func (Stop) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Cmd string `json:"cmd"`
	}{CmdStop})
}

// DecodeError 入站帧无法解析（JSON 非法、标签未知、缺少必填字段或数值越界）
type DecodeError struct {
	Tag    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Tag != "" {
		msg += " " + e.Tag
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode 将消息编码为一个 JSON 文本帧
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	return json.Marshal(m)
}

// Decode 解析一个入站文本帧
func Decode(b []byte) (Message, error) {
	fields, tag, err := decodeTagged(b, "type")
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeHello:
		var m Hello
		if err := decodeVariant(tag, fields, b, &m, "version"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeState:
		var m State
		if err := decodeVariant(tag, fields, b, &m, "tick", "tick_rate", "data"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeIntent:
		if err := requireFields(tag, fields, "seq", "data"); err != nil {
			return nil, err
		}
		var seq uint64
		if err := json.Unmarshal(fields["seq"], &seq); err != nil {
			return nil, &DecodeError{Tag: tag, Reason: "bad seq", Err: err}
		}
		data, err := DecodeIntent(fields["data"])
		if err != nil {
			return nil, err
		}
		return IntentMessage{Seq: seq, Data: data}, nil
	case TypeAck:
		var m Ack
		if err := decodeVariant(tag, fields, b, &m, "seq", "tick"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeError:
		var m ErrorMessage
		if err := decodeVariant(tag, fields, b, &m, "reason"); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, &DecodeError{Tag: tag, Reason: "unknown message type"}
	}
}

// DecodeIntent 解析 Intent 负载（cmd 标签）
func DecodeIntent(b []byte) (Intent, error) {
	fields, tag, err := decodeTagged(b, "cmd")
	if err != nil {
		return nil, err
	}
	switch tag {
	case CmdMoveTo:
		var i MoveTo
		if err := decodeVariant(tag, fields, b, &i, "x", "y"); err != nil {
			return nil, err
		}
		// 兼容 snake_case 写法
		if raw, ok := fields["target_tick"]; ok && i.TargetTick == nil && !isNull(raw) {
			var t uint64
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, &DecodeError{Tag: tag, Reason: "bad target_tick", Err: err}
			}
			i.TargetTick = &t
		}
		return i, nil
	case CmdUsePotion:
		var i UsePotion
		if err := decodeVariant(tag, fields, b, &i); err != nil {
			return nil, err
		}
		return i, nil
	case CmdSay:
		var i Say
		if err := decodeVariant(tag, fields, b, &i, "text"); err != nil {
			return nil, err
		}
		return i, nil
	case CmdStop:
		return Stop{}, nil
	default:
		return nil, &DecodeError{Tag: tag, Reason: "unknown intent cmd"}
	}
}

func decodeTagged(b []byte, tagField string) (map[string]json.RawMessage, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, "", &DecodeError{Reason: "malformed json", Err: err}
	}
	if fields == nil {
		return nil, "", &DecodeError{Reason: "expected object"}
	}
	raw, ok := fields[tagField]
	if !ok {
		return nil, "", &DecodeError{Reason: "missing " + tagField}
	}
	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, "", &DecodeError{Reason: "bad " + tagField, Err: err}
	}
	return fields, tag, nil
}

func decodeVariant(tag string, fields map[string]json.RawMessage, b []byte, dst any, required ...string) error {
	if err := requireFields(tag, fields, required...); err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return &DecodeError{Tag: tag, Reason: "bad payload", Err: err}
	}
	return nil
}

func requireFields(tag string, fields map[string]json.RawMessage, names ...string) error {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			return &DecodeError{Tag: tag, Reason: "missing field " + name}
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
