package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studyroom/common/config"
	"studyroom/common/log"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

var ErrProviderRequest = errors.New("media provider request failed")

// LiveKitProvider 通过 RoomService 管理 LiveKit 房间
// URL 为空时只签发令牌，不调用远端（本地开发）
type LiveKitProvider struct {
	rooms     *lksdk.RoomServiceClient
	keys      auth.KeyProvider
	apiKey    string
	apiSecret string
	timeout   time.Duration
}

func NewLiveKitProvider(conf config.MediaConf) *LiveKitProvider {
	timeout := time.Duration(conf.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	p := &LiveKitProvider{
		keys:      auth.NewSimpleKeyProvider(conf.APIKey, conf.APISecret),
		apiKey:    conf.APIKey,
		apiSecret: conf.APISecret,
		timeout:   timeout,
	}
	if conf.URL == "" {
		log.Warn("media.url 未配置，外部媒体房间不会真正创建")
		return p
	}
	// ws(s):// 由 sdk 转成 http(s)://
	p.rooms = lksdk.NewRoomServiceClient(conf.URL, conf.APIKey, conf.APISecret)
	return p
}

func (p *LiveKitProvider) CreateRoom(ctx context.Context, name string, emptyTimeout time.Duration, maxParticipants int) error {
	if p.rooms == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(emptyTimeout.Seconds()),
		MaxParticipants: uint32(maxParticipants),
	})
	if err != nil {
		return fmt.Errorf("%w: CreateRoom %s: %w", ErrProviderRequest, name, err)
	}
	log.Debug("外部媒体房间已创建: %s", name)
	return nil
}

// DeleteRoom 房间已不存在视为成功
func (p *LiveKitProvider) DeleteRoom(ctx context.Context, name string) error {
	if p.rooms == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	if err == nil || isNotFound(err) {
		return nil
	}
	return fmt.Errorf("%w: DeleteRoom %s: %w", ErrProviderRequest, name, err)
}

func isNotFound(err error) bool {
	var terr twirp.Error
	return errors.As(err, &terr) && terr.Code() == twirp.NotFound
}

func (p *LiveKitProvider) IssueAccessToken(roomName, userID string, ttl time.Duration, canPublish, canSubscribe bool) (string, error) {
	if p.apiKey == "" || p.apiSecret == "" {
		return "", fmt.Errorf("%w: 缺少 apiKey/apiSecret", ErrProviderRequest)
	}
	grant := &auth.VideoGrant{RoomJoin: true, Room: roomName}
	grant.SetCanPublish(canPublish)
	grant.SetCanSubscribe(canSubscribe)

	return auth.NewAccessToken(p.apiKey, p.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(userID).
		SetName(userID).
		SetValidFor(ttl).
		ToJWT()
}

var _ Provider = (*LiveKitProvider)(nil)
