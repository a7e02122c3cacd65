package conn

import (
	"sync"
	"time"

	"studyroom/common/log"
	"studyroom/core/infrastructure/message/transfer"

	"github.com/gorilla/websocket"
)

const (
	writeWait            = 10 * time.Second
	maxMessageSize int64 = 4096
	sendBufferSize       = 64
)

// LongConnection 一个用户的一条 websocket 连接，读写各一个协程
type LongConnection struct {
	ConnID string
	UserID string

	conn      *websocket.Conn
	worker    *Worker
	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func newLongConnection(conn *websocket.Conn, worker *Worker, connID, userID string) *LongConnection {
	return &LongConnection{
		ConnID:    connID,
		UserID:    userID,
		conn:      conn,
		worker:    worker,
		writeChan: make(chan []byte, sendBufferSize),
		closeChan: make(chan struct{}),
	}
}

func (con *LongConnection) Run() {
	con.conn.SetPongHandler(con.pongHandler)
	go con.readMessage()
	go con.writeMessage()
}

func (con *LongConnection) readMessage() {
	defer con.worker.removeClient(con)

	con.conn.SetReadLimit(maxMessageSize)
	if err := con.conn.SetReadDeadline(time.Now().Add(con.worker.pongWait)); err != nil {
		log.Error("客户端[%s] SetReadDeadline err: %v", con.ConnID, err)
		return
	}
	for {
		messageType, message, err := con.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("客户端[%s] 异常断开: %v", con.ConnID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			log.Warn("客户端[%s] 不支持的消息类型: %d", con.ConnID, messageType)
			continue
		}
		con.worker.handleFrame(con, message)
	}
}

func (con *LongConnection) writeMessage() {
	ticker := time.NewTicker(con.worker.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-con.writeChan:
			_ = con.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := con.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("客户端[%s] 写入失败: %v", con.ConnID, err)
				con.Close()
				return
			}
		case <-ticker.C:
			_ = con.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := con.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn("客户端[%s] ping 失败: %v", con.ConnID, err)
				con.Close()
				return
			}
		case <-con.closeChan:
			return
		}
	}
}

// pongHandler 收到 pong 即续约在线状态
func (con *LongConnection) pongHandler(string) error {
	if err := con.conn.SetReadDeadline(time.Now().Add(con.worker.pongWait)); err != nil {
		return err
	}
	go con.worker.heartbeat(con)
	return nil
}

// SendMessage 不阻塞，发送缓冲满时丢弃
func (con *LongConnection) SendMessage(buf []byte) error {
	select {
	case <-con.closeChan:
		return transfer.ErrNotConnected
	default:
	}
	select {
	case con.writeChan <- buf:
		return nil
	default:
		return transfer.ErrSendChanFull
	}
}

// kick 先通知客户端再关闭
func (con *LongConnection) kick(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = con.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	con.Close()
}

func (con *LongConnection) Close() {
	con.closeOnce.Do(func() {
		close(con.closeChan)
		_ = con.conn.Close()
		log.Debug("客户端[%s] 连接关闭 user=%s", con.ConnID, con.UserID)
	})
}
