package node

import (
	"studyroom/common/log"
	"studyroom/core/infrastructure/message/transfer"

	"github.com/nats-io/nats.go"
)

type Client interface {
	Run(string) error
	SendMessage(string, []byte) error
	Close() error
}

// NatsClient 不能及时发现 nats 服务关闭
type NatsClient struct {
	topic    string
	conn     *nats.Conn
	sub      *nats.Subscription
	readChan chan []byte
}

func NewNatsClient(topic string, readChan chan []byte) *NatsClient {
	return &NatsClient{
		topic:    topic,
		readChan: readChan,
	}
}

func (nc *NatsClient) IsConnected() bool {
	return nc.conn != nil && nc.conn.IsConnected()
}

func (nc *NatsClient) Run(url string) error {
	log.Info("nats 服务正在启动, url:%s", url)
	var err error
	nc.conn, err = nats.Connect(url,
		nats.Name(nc.topic),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats 连接断开: %v", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("nats 重连成功, url:%s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Error("nats 连接错误,err:%v", err)
		return err
	}
	if err := nc.Subscribe(); err != nil {
		nc.conn.Close()
		return err
	}

	log.Info("nats 服务启动成功, url:%s", url)
	return nil
}

// Subscribe 读通道满时丢弃消息，实例间通知本来就是至多一次
func (nc *NatsClient) Subscribe() error {
	var err error
	nc.sub, err = nc.conn.Subscribe(nc.topic, func(message *nats.Msg) {
		select {
		case nc.readChan <- message.Data:
		default:
			log.Warn("nats 读通道已满，丢弃消息 subject=%s", message.Subject)
		}
	})
	if err != nil {
		log.Error("nats sub err:%v", err)
	}
	return err
}

func (nc *NatsClient) Close() error {
	if nc.conn == nil {
		return nil
	}

	if nc.sub != nil {
		_ = nc.sub.Unsubscribe()
	}
	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
	}
	log.Info("NATS 连接已关闭")

	return nil
}

func (nc *NatsClient) SendMessage(subject string, data []byte) error {
	if !nc.IsConnected() {
		return transfer.ErrNotConnected
	}

	return nc.conn.Publish(subject, data)
}
