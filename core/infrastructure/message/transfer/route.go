package transfer

// RelaySubject 实例间广播频道，每个实例启动时订阅一次
const RelaySubject = "march.relay"

// 客户端请求路由
const (
	RouteMatchJoin   = "march.join"
	RouteMatchCancel = "march.cancel"
	RouteMatchStatus = "march.status"
	RouteRoomLeave   = "march.leave"
)

// 服务端推送路由
const (
	PushMatchFound       = "march.matched"
	PushPeerLeft         = "room.peer.left"
	PushPeerDisconnected = "room.peer.disconnected"
	PushRoomClosed       = "room.closed"
	PushError            = "error"
)
