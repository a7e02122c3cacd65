package impl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studyroom/common/database"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/infrastructure/memory"
	"studyroom/core/infrastructure/message/node"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/core/infrastructure/realtime"
	"studyroom/runtime/march"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// loopbackBus 模拟 nats 广播频道
type loopbackBus struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *loopbackBus) attach() (*loopbackClient, chan []byte) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return &loopbackClient{bus: b}, ch
}

type loopbackClient struct {
	bus *loopbackBus
}

func (c *loopbackClient) Run(string) error { return nil }
func (c *loopbackClient) Close() error     { return nil }

func (c *loopbackClient) SendMessage(_ string, data []byte) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, ch := range c.bus.subs {
		ch <- data
	}
	return nil
}

type pushed struct {
	userID string
	route  string
	event  transfer.Event
}

// recordingSender 记录推送给本实例连接的消息
type recordingSender struct {
	mu  sync.Mutex
	got []pushed
	ch  chan pushed
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan pushed, 1024)}
}

func (s *recordingSender) SendToUser(userID, route string, payload any) error {
	event, _ := payload.(transfer.Event)
	p := pushed{userID: userID, route: route, event: event}
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
	s.ch <- p
	return nil
}

// waitFor 等待推送给 userID 的 route 消息
func (s *recordingSender) waitFor(t *testing.T, userID, route string) transfer.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-s.ch:
			if p.userID == userID && p.route == route {
				return p.event
			}
		case <-timeout:
			t.Fatalf("等待推送超时 user=%s route=%s", userID, route)
			return nil
		}
	}
}

func (s *recordingSender) count(userID, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.got {
		if p.userID == userID && p.route == route {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	created   []string
	deleted   []string
}

func (f *fakeProvider) CreateRoom(_ context.Context, name string, _ time.Duration, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeProvider) DeleteRoom(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeProvider) IssueAccessToken(roomName, userID string, _ time.Duration, _, _ bool) (string, error) {
	return roomName + ":" + userID, nil
}

func (f *fakeProvider) failCreate(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) deletedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var errMediaDown = errors.New("media down")

var testTopics = map[string]int{"math": 2, "coding": 3}

type instance struct {
	svc    *MatchServiceImpl
	sender *recordingSender
	relay  *node.Relay
}

// slowRooms 放大房间写入的耗时，暴露并发加入的竞争窗口
type slowRooms struct {
	*memory.RoomStore
	delay time.Duration
}

func (r *slowRooms) CreateRoomWithMembers(ctx context.Context, room *entity.Room) error {
	time.Sleep(r.delay)
	return r.RoomStore.CreateRoomWithMembers(ctx, room)
}

// cluster 多个实例共享 miniredis、房间存储与广播频道
type cluster struct {
	mr         *miniredis.Miniredis
	redis      *database.RedisManager
	rooms      *memory.RoomStore
	writeDelay time.Duration
	provider   *fakeProvider
	bus        *loopbackBus
	instances  map[string]*instance
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	return newSlowCluster(t, 0, ids...)
}

func newSlowCluster(t *testing.T, writeDelay time.Duration, ids ...string) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	c := &cluster{
		mr:         mr,
		redis:      database.WrapRedis(cli),
		rooms:      memory.NewRoomStore(),
		writeDelay: writeDelay,
		provider:   &fakeProvider{},
		bus:        &loopbackBus{},
		instances:  make(map[string]*instance),
	}
	for _, id := range ids {
		c.instances[id] = c.start(t, id)
	}
	return c
}

func (c *cluster) start(t *testing.T, id string) *instance {
	t.Helper()
	queue := realtime.NewRedisMarchQueueRepository(c.redis)
	presence := realtime.NewRedisPresenceRepository(c.redis, time.Minute)
	var rooms repository.RoomRepository = c.rooms
	if c.writeDelay > 0 {
		rooms = &slowRooms{RoomStore: c.rooms, delay: c.writeDelay}
	}
	provisioner := march.NewProvisioner(rooms, queue, presence, c.provider, march.ProvisionOptions{
		EmptyTimeout: time.Minute,
		TokenTTL:     time.Hour,
		CanPublish:   true,
		CanSubscribe: true,
	})

	cli, readChan := c.bus.attach()
	relay := node.NewRelay(id, cli, readChan)
	svc := NewMatchService(Dependencies{
		InstanceID:   id,
		Mode:         "distributed",
		Queue:        queue,
		Presence:     presence,
		Rooms:        rooms,
		Provisioner:  provisioner,
		Topics:       testTopics,
		StoreTimeout: time.Second,
	}, relay)
	sender := newRecordingSender()
	svc.Bind(sender)
	relay.Start()
	t.Cleanup(func() { _ = relay.Close() })
	return &instance{svc: svc, sender: sender, relay: relay}
}

func (c *cluster) connect(t *testing.T, instanceID string, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		if err := c.instances[instanceID].svc.Connect(context.Background(), id, connRef(id)); err != nil {
			t.Fatalf("用户 %s 连接失败: %v", id, err)
		}
	}
}

func connRef(userID string) string {
	return "conn-" + userID
}

func newLocalService(t *testing.T, lockWait time.Duration) (*LocalMatchService, *recordingSender, *memory.RoomStore, *fakeProvider) {
	t.Helper()
	queue := memory.NewMarchQueue()
	presence := memory.NewPresenceStore(time.Minute)
	rooms := memory.NewRoomStore()
	provider := &fakeProvider{}
	provisioner := march.NewProvisioner(rooms, queue, presence, provider, march.ProvisionOptions{
		EmptyTimeout: time.Minute,
		TokenTTL:     time.Hour,
	})
	svc := NewLocalMatchService(Dependencies{
		InstanceID:  "local",
		Mode:        "local",
		Queue:       queue,
		Presence:    presence,
		Rooms:       rooms,
		Provisioner: provisioner,
		Topics:      testTopics,
	}, lockWait)
	sender := newRecordingSender()
	svc.Bind(sender)
	return svc, sender, rooms, provider
}

func connectLocal(t *testing.T, svc *LocalMatchService, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		require.NoError(t, svc.Connect(context.Background(), id, connRef(id)))
	}
}
