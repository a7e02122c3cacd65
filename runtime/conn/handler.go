package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"studyroom/common/log"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/runtime/march/application/service"
)

// Frame 客户端请求帧
type Frame struct {
	Route string          `json:"route"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply 回复与推送帧，Code 为 0 表示成功，否则与 http 状态码一致
type Reply struct {
	Route string `json:"route"`
	Code  int    `json:"code"`
	Msg   string `json:"msg,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type joinRequest struct {
	Topic string `json:"topic"`
}

type leaveRequest struct {
	RoomID string `json:"roomId"`
}

type HandlerFunc func(ctx context.Context, con *LongConnection, data json.RawMessage) (any, error)

func (w *Worker) handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		transfer.RouteMatchJoin:   w.joinHandler,
		transfer.RouteMatchCancel: w.cancelHandler,
		transfer.RouteMatchStatus: w.statusHandler,
		transfer.RouteRoomLeave:   w.leaveHandler,
	}
}

func (w *Worker) handleFrame(con *LongConnection, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		w.reply(con, transfer.PushError, fmt.Errorf("%w: %v", transfer.ErrMessageUnmarshal, err), nil)
		return
	}
	handler, ok := w.handlers()[frame.Route]
	if !ok {
		w.reply(con, transfer.PushError, fmt.Errorf("unknown route: %s", frame.Route), nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := handler(ctx, con, frame.Data)
	w.reply(con, frame.Route, err, result)
}

func (w *Worker) reply(con *LongConnection, route string, err error, data any) {
	buf, encodeErr := encodeReply(route, err, data)
	if encodeErr != nil {
		log.Error("回复编码失败 route=%s: %v", route, encodeErr)
		return
	}
	if sendErr := con.SendMessage(buf); sendErr != nil {
		log.Warn("回复发送失败 user=%s route=%s: %v", con.UserID, route, sendErr)
	}
}

func encodeReply(route string, err error, data any) ([]byte, error) {
	r := Reply{Route: route, Data: data}
	if err != nil {
		r.Code = service.HTTPStatus(err)
		r.Msg = err.Error()
		r.Data = nil
	}
	buf, marshalErr := json.Marshal(r)
	if marshalErr != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrMessageMarshal, marshalErr)
	}
	return buf, nil
}

func (w *Worker) joinHandler(ctx context.Context, con *LongConnection, data json.RawMessage) (any, error) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Topic == "" {
		return nil, fmt.Errorf("%w: topic 不能为空", service.ErrUnknownTopic)
	}
	return w.service.Join(ctx, con.UserID, req.Topic)
}

func (w *Worker) cancelHandler(ctx context.Context, con *LongConnection, _ json.RawMessage) (any, error) {
	if err := w.service.Cancel(ctx, con.UserID); err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": true}, nil
}

func (w *Worker) statusHandler(ctx context.Context, con *LongConnection, _ json.RawMessage) (any, error) {
	return w.service.Status(ctx, con.UserID)
}

func (w *Worker) leaveHandler(ctx context.Context, con *LongConnection, data json.RawMessage) (any, error) {
	var req leaveRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		return nil, fmt.Errorf("%w: roomId 不能为空", service.ErrNotFound)
	}
	if err := w.service.Leave(ctx, req.RoomID, con.UserID); err != nil {
		return nil, err
	}
	return map[string]string{"roomId": req.RoomID}, nil
}
