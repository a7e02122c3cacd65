package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"studyroom/common/jwts"
	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/common/utils"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/runtime/march/application/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

/*
长连接层职责：
 1. 连接事件：鉴权、限流、建立连接时注册在线状态，断开时交给匹配服务清理
 2. 同一用户只保留最新的连接，旧连接被踢出
 3. ping/pong 心跳续约在线状态
 4. 客户端请求帧按 route 分发到匹配服务，回复使用同一 route
 5. 推送只投递到本实例持有的连接，跨实例由 relay 负责
*/

const (
	defaultPingInterval   = 25 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxConnections = 100000
	requestTimeout        = 5 * time.Second
)

type WorkerOption func(worker *Worker)

func WithRateLimiter(limiter *utils.RateLimiter) WorkerOption {
	return func(w *Worker) {
		w.limiter = limiter
	}
}

func WithMaxConnections(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxConnections = n
		}
	}
}

// WithHeartbeat pongWait 内没有收到 pong 即断开
func WithHeartbeat(pingInterval, pongWait time.Duration) WorkerOption {
	return func(w *Worker) {
		if pingInterval > 0 {
			w.pingInterval = pingInterval
		}
		if pongWait > 0 {
			w.pongWait = pongWait
		}
	}
}

type Worker struct {
	nodeID  string
	secret  string
	service service.MatchService

	upgrader       websocket.Upgrader
	limiter        *utils.RateLimiter
	maxConnections int
	pingInterval   time.Duration
	pongWait       time.Duration

	mu      sync.RWMutex
	clients map[string]*LongConnection // userID -> 连接
	count   atomic.Int32

	server *http.Server
}

func NewWorker(nodeID, secret string, svc service.MatchService, opts ...WorkerOption) *Worker {
	w := &Worker{
		nodeID:         nodeID,
		secret:         secret,
		service:        svc,
		maxConnections: defaultMaxConnections,
		pingInterval:   defaultPingInterval,
		pongWait:       defaultPongWait,
		clients:        make(map[string]*LongConnection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.upgradeFunc)
	return mux
}

func (w *Worker) Run(addr string) error {
	w.server = &http.Server{Addr: addr, Handler: w.Handler()}
	log.Info("websocket 监听地址 %s", addr)
	if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Worker) upgradeFunc(writer http.ResponseWriter, r *http.Request) {
	userID, err := w.identifyUser(r)
	if err != nil {
		http.Error(writer, "unauthorized", http.StatusUnauthorized)
		log.Warn("连接鉴权失败 remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	if w.limiter != nil && !w.limiter.Allow() {
		http.Error(writer, "too many connections", http.StatusTooManyRequests)
		log.Warn("连接速率限流 remote=%s", r.RemoteAddr)
		return
	}
	if int(w.count.Load()) >= w.maxConnections {
		http.Error(writer, "server is at capacity", http.StatusServiceUnavailable)
		log.Warn("连接达到上限 remote=%s", r.RemoteAddr)
		return
	}

	ws, err := w.upgrader.Upgrade(writer, r, nil)
	if err != nil {
		log.Warn("websocket 升级失败: %v", err)
		return
	}

	connID := w.nodeID + "-" + uuid.NewString()
	con := newLongConnection(ws, w, connID, userID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	err = w.service.Connect(ctx, userID, connID)
	cancel()
	if err != nil {
		log.Error("注册在线状态失败 user=%s: %v", userID, err)
		con.kick("presence unavailable")
		return
	}

	w.bindUser(con)
	con.Run()
	log.Info("websocket 建立连接 user=%s conn=%s remote=%s", userID, connID, r.RemoteAddr)
}

// identifyUser 从 ?token= 解析用户
func (w *Worker) identifyUser(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("缺少 token")
	}
	if w.secret == "" {
		return "", errors.New("未配置 jwt secret")
	}
	userID, err := jwts.ParseToken(token, w.secret)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", errors.New("token 中 userID 为空")
	}
	return userID, nil
}

// bindUser 同一用户的旧连接被踢出，旧连接断开时的清理会因 connRef 不匹配而被忽略
func (w *Worker) bindUser(con *LongConnection) {
	w.mu.Lock()
	old := w.clients[con.UserID]
	w.clients[con.UserID] = con
	w.mu.Unlock()

	w.count.Add(1)
	metrics.OnlineConnections.Inc()
	if old != nil {
		log.Info("用户 %s 已有连接 %s，踢出旧连接", con.UserID, old.ConnID)
		old.kick("replaced by a newer connection")
	}
}

func (w *Worker) removeClient(con *LongConnection) {
	w.mu.Lock()
	if current, ok := w.clients[con.UserID]; ok && current == con {
		delete(w.clients, con.UserID)
	}
	w.mu.Unlock()
	con.Close()

	w.count.Add(-1)
	metrics.OnlineConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := w.service.Disconnect(ctx, con.UserID, con.ConnID); err != nil {
		log.Error("断线清理失败 user=%s conn=%s: %v", con.UserID, con.ConnID, err)
	}
}

func (w *Worker) heartbeat(con *LongConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ok, err := w.service.Heartbeat(ctx, con.UserID, con.ConnID)
	if err != nil {
		log.Warn("心跳续约失败 user=%s: %v", con.UserID, err)
		return
	}
	if !ok {
		log.Info("用户 %s 的连接 %s 已被替换，关闭", con.UserID, con.ConnID)
		con.Close()
	}
}

// SendToUser 只投递到本实例的连接
func (w *Worker) SendToUser(userID, route string, payload any) error {
	w.mu.RLock()
	con, ok := w.clients[userID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotConnected, userID)
	}
	data, err := encodeReply(route, nil, payload)
	if err != nil {
		return err
	}
	return con.SendMessage(data)
}

func (w *Worker) ConnectionCount() int {
	return int(w.count.Load())
}

func (w *Worker) Close(ctx context.Context) error {
	var err error
	if w.server != nil {
		err = w.server.Shutdown(ctx)
	}
	w.mu.RLock()
	clients := make([]*LongConnection, 0, len(w.clients))
	for _, con := range w.clients {
		clients = append(clients, con)
	}
	w.mu.RUnlock()
	for _, con := range clients {
		con.Close()
	}
	return err
}
