package transfer

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindMatchFound       Kind = "match_found"
	KindPeerLeft         Kind = "peer_left"
	KindPeerDisconnected Kind = "peer_disconnected"
	KindRoomClosed       Kind = "room_closed"
	KindMatchFormed      Kind = "match_formed" // 诊断事件，所有实例都处理
)

// Event 封闭的事件集合，只有本包定义的类型实现
type Event interface {
	Kind() Kind
	Validate() error
	isEvent()
}

// MatchFound 通知用户匹配成功，Token 只属于 TargetUser
type MatchFound struct {
	RoomID          string   `json:"roomId"`
	Topic           string   `json:"topic"`
	ExternalRoomRef string   `json:"externalRoomRef"`
	Token           string   `json:"token"`
	Members         []string `json:"members"`
}

type PeerLeft struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type PeerDisconnected struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type MatchFormed struct {
	RoomID string `json:"roomId"`
	Topic  string `json:"topic"`
	Size   int    `json:"size"`
}

func (MatchFound) Kind() Kind       { return KindMatchFound }
func (PeerLeft) Kind() Kind         { return KindPeerLeft }
func (PeerDisconnected) Kind() Kind { return KindPeerDisconnected }
func (RoomClosed) Kind() Kind       { return KindRoomClosed }
func (MatchFormed) Kind() Kind      { return KindMatchFormed }

func (MatchFound) isEvent()       {}
func (PeerLeft) isEvent()         {}
func (PeerDisconnected) isEvent() {}
func (RoomClosed) isEvent()       {}
func (MatchFormed) isEvent()      {}

func required(kind Kind, fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%w: %s 缺少 %s", ErrInvalidEvent, kind, name)
		}
	}
	return nil
}

func (e MatchFound) Validate() error {
	if err := required(e.Kind(), map[string]string{"roomId": e.RoomID, "externalRoomRef": e.ExternalRoomRef, "token": e.Token}); err != nil {
		return err
	}
	if len(e.Members) == 0 {
		return fmt.Errorf("%w: %s 缺少 members", ErrInvalidEvent, e.Kind())
	}
	return nil
}

func (e PeerLeft) Validate() error {
	return required(e.Kind(), map[string]string{"roomId": e.RoomID, "userId": e.UserID})
}

func (e PeerDisconnected) Validate() error {
	return required(e.Kind(), map[string]string{"roomId": e.RoomID, "userId": e.UserID})
}

func (e RoomClosed) Validate() error {
	return required(e.Kind(), map[string]string{"roomId": e.RoomID})
}

func (e MatchFormed) Validate() error {
	if err := required(e.Kind(), map[string]string{"roomId": e.RoomID, "topic": e.Topic}); err != nil {
		return err
	}
	if e.Size < 2 {
		return fmt.Errorf("%w: %s size=%d", ErrInvalidEvent, e.Kind(), e.Size)
	}
	return nil
}

// IsDiagnostic 诊断事件忽略目标实例
func IsDiagnostic(kind Kind) bool {
	return kind == KindMatchFormed
}

// PushRoute 事件推送给客户端时使用的路由，诊断事件不推送
func PushRoute(kind Kind) (string, bool) {
	switch kind {
	case KindMatchFound:
		return PushMatchFound, true
	case KindPeerLeft:
		return PushPeerLeft, true
	case KindPeerDisconnected:
		return PushPeerDisconnected, true
	case KindRoomClosed:
		return PushRoomClosed, true
	}
	return "", false
}

// Envelope 实例间传输的信封
type Envelope struct {
	Kind           Kind            `json:"kind"`
	Source         string          `json:"source"`
	TargetInstance string          `json:"targetInstance,omitempty"`
	TargetUser     string          `json:"targetUser,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Encode 校验后序列化
func Encode(event Event, source, targetInstance, targetUser string) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if !IsDiagnostic(event.Kind()) && (targetInstance == "" || targetUser == "") {
		return nil, fmt.Errorf("%w: %s 缺少投递目标", ErrInvalidEvent, event.Kind())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageMarshal, err)
	}
	data, err := json.Marshal(&Envelope{
		Kind:           event.Kind(),
		Source:         source,
		TargetInstance: targetInstance,
		TargetUser:     targetUser,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageMarshal, err)
	}
	return data, nil
}

// Decode 按 kind 解析为具体事件并校验必填字段
func Decode(data []byte) (*Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMessageUnmarshal, err)
	}

	var event Event
	var err error
	switch env.Kind {
	case KindMatchFound:
		event, err = decodePayload[MatchFound](env.Payload)
	case KindPeerLeft:
		event, err = decodePayload[PeerLeft](env.Payload)
	case KindPeerDisconnected:
		event, err = decodePayload[PeerDisconnected](env.Payload)
	case KindRoomClosed:
		event, err = decodePayload[RoomClosed](env.Payload)
	case KindMatchFormed:
		event, err = decodePayload[MatchFormed](env.Payload)
	default:
		return &env, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return &env, nil, err
	}
	if err := event.Validate(); err != nil {
		return &env, nil, err
	}
	return &env, event, nil
}

func decodePayload[T Event](payload json.RawMessage) (Event, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageUnmarshal, err)
	}
	return event, nil
}
