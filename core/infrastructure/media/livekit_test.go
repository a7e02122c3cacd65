package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"studyroom/common/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/require"
	"github.com/twitchtv/twirp"
	"google.golang.org/protobuf/proto"
)

const (
	testKey    = "devkey"
	testSecret = "devsecret-devsecret-devsecret-01"
)

type recordedCall struct {
	method string
	auth   string
	body   []byte
}

// roomServiceReply 返回 nil 表示成功，否则写 twirp 错误
type roomServiceReply func(method string) (proto.Message, twirp.Error)

func newTestProvider(t *testing.T, reply roomServiceReply) (*LiveKitProvider, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		method := strings.TrimPrefix(r.URL.Path, "/twirp/livekit.RoomService/")
		mu.Lock()
		calls = append(calls, recordedCall{method: method, auth: r.Header.Get("Authorization"), body: data})
		mu.Unlock()

		msg, terr := reply(method)
		if terr != nil {
			_ = twirp.WriteError(w, terr)
			return
		}
		out, err := proto.Marshal(msg)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		_, _ = w.Write(out)
	}))
	t.Cleanup(srv.Close)

	p := NewLiveKitProvider(config.MediaConf{
		URL:              strings.Replace(srv.URL, "http://", "ws://", 1),
		APIKey:           testKey,
		APISecret:        testSecret,
		RequestTimeoutMs: 1000,
	})
	return p, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func parseClaims(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	return claims
}

func videoGrant(t *testing.T, claims jwt.MapClaims) map[string]any {
	t.Helper()
	video, ok := claims["video"].(map[string]any)
	if !ok {
		t.Fatalf("令牌缺少 video 授权: %v", claims)
	}
	return video
}

func signWebhook(t *testing.T, key, secret string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(key, secret).
		SetValidFor(5 * time.Minute).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)
	return token
}

func webhookRequest(body []byte, authHeader string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/media", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return req
}

func TestLiveKit_CreateRoomSendsAdminToken(t *testing.T) {
	p, calls := newTestProvider(t, func(string) (proto.Message, twirp.Error) {
		return &livekit.Room{Name: "math_r1", Sid: "RM_1"}, nil
	})

	require.NoError(t, p.CreateRoom(context.Background(), "math_r1", 5*time.Minute, 2))
	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, "CreateRoom", got[0].method)

	var req livekit.CreateRoomRequest
	require.NoError(t, proto.Unmarshal(got[0].body, &req))
	require.Equal(t, "math_r1", req.GetName())
	require.EqualValues(t, 300, req.GetEmptyTimeout())
	require.EqualValues(t, 2, req.GetMaxParticipants())

	if !strings.HasPrefix(got[0].auth, "Bearer ") {
		t.Fatalf("管理请求缺少 Bearer 令牌: %q", got[0].auth)
	}
	claims := parseClaims(t, strings.TrimPrefix(got[0].auth, "Bearer "))
	require.Equal(t, testKey, claims["iss"])
	require.Equal(t, true, videoGrant(t, claims)["roomCreate"])
}

func TestLiveKit_CreateRoomFailureIsProviderError(t *testing.T) {
	p, _ := newTestProvider(t, func(string) (proto.Message, twirp.Error) {
		return nil, twirp.InternalError("boom")
	})

	err := p.CreateRoom(context.Background(), "math_r1", time.Minute, 2)
	require.ErrorIs(t, err, ErrProviderRequest)
	var terr twirp.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, twirp.Internal, terr.Code())
	require.Equal(t, "boom", terr.Msg())
}

func TestLiveKit_DeleteMissingRoomSucceeds(t *testing.T) {
	p, calls := newTestProvider(t, func(string) (proto.Message, twirp.Error) {
		return nil, twirp.NotFoundError("room not found")
	})

	require.NoError(t, p.DeleteRoom(context.Background(), "math_r1"))
	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, "DeleteRoom", got[0].method)

	var req livekit.DeleteRoomRequest
	require.NoError(t, proto.Unmarshal(got[0].body, &req))
	require.Equal(t, "math_r1", req.GetRoom())
}

func TestLiveKit_DeleteRoomOtherFailure(t *testing.T) {
	p, _ := newTestProvider(t, func(string) (proto.Message, twirp.Error) {
		return nil, twirp.NewError(twirp.Unavailable, "down")
	})

	err := p.DeleteRoom(context.Background(), "math_r1")
	require.ErrorIs(t, err, ErrProviderRequest)
}

func TestLiveKit_IssueAccessToken(t *testing.T) {
	p := NewLiveKitProvider(config.MediaConf{APIKey: testKey, APISecret: testSecret})

	raw, err := p.IssueAccessToken("math_r1", "u1", time.Hour, true, false)
	require.NoError(t, err)

	claims := parseClaims(t, raw)
	require.Equal(t, "u1", claims["sub"])
	require.Equal(t, testKey, claims["iss"])

	video := videoGrant(t, claims)
	require.Equal(t, "math_r1", video["room"])
	require.Equal(t, true, video["roomJoin"])
	require.Equal(t, true, video["canPublish"])
	require.Equal(t, false, video["canSubscribe"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp.Time, 5*time.Second)

	_, err = NewLiveKitProvider(config.MediaConf{}).IssueAccessToken("math_r1", "u1", time.Hour, true, true)
	require.ErrorIs(t, err, ErrProviderRequest)
}

func TestLiveKit_WithoutURLSkipsRemoteCalls(t *testing.T) {
	p := NewLiveKitProvider(config.MediaConf{APIKey: testKey, APISecret: testSecret})
	require.NoError(t, p.CreateRoom(context.Background(), "math_r1", time.Minute, 2))
	require.NoError(t, p.DeleteRoom(context.Background(), "math_r1"))
}

func TestLiveKit_VerifyWebhook(t *testing.T) {
	p := NewLiveKitProvider(config.MediaConf{APIKey: testKey, APISecret: testSecret})
	body := []byte(`{"id":"EV_1","event":"room_finished","room":{"name":"math_r1","sid":"RM_1"}}`)
	signed := signWebhook(t, testKey, testSecret, body)

	event, err := p.VerifyWebhook(webhookRequest(body, signed))
	require.NoError(t, err)
	require.Equal(t, "EV_1", event.ID)
	require.Equal(t, EventRoomFinished, event.Event)
	require.Equal(t, "math_r1", event.RoomName)

	// 签名对应的是原请求体
	_, err = p.VerifyWebhook(webhookRequest([]byte(`{"id":"EV_1","event":"room_finished","room":{"name":"other"}}`), signed))
	require.ErrorIs(t, err, ErrInvalidWebhook)

	forged := signWebhook(t, testKey, "another-secret-another-secret-00", body)
	_, err = p.VerifyWebhook(webhookRequest(body, forged))
	require.ErrorIs(t, err, ErrInvalidWebhook)

	_, err = p.VerifyWebhook(webhookRequest(body, ""))
	require.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestLiveKit_VerifyWebhookRequiresRoomName(t *testing.T) {
	p := NewLiveKitProvider(config.MediaConf{APIKey: testKey, APISecret: testSecret})

	body := []byte(`{"id":"EV_2","event":"room_finished"}`)
	_, err := p.VerifyWebhook(webhookRequest(body, signWebhook(t, testKey, testSecret, body)))
	require.ErrorIs(t, err, ErrInvalidWebhook)

	body = []byte(`{"id":"EV_3","event":"participant_joined","room":{"name":"math_r1"}}`)
	event, err := p.VerifyWebhook(webhookRequest(body, signWebhook(t, testKey, testSecret, body)))
	require.NoError(t, err)
	require.Equal(t, "participant_joined", event.Event)
}
