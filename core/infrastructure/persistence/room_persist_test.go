package persistence

import (
	"context"
	"testing"
	"time"

	"studyroom/common/database"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const roomNamespace = "test.rooms"

func newMockRepo(mt *mtest.T) *MongoRoomRepository {
	return NewMongoRoomRepository(&database.MongoManager{Cli: mt.Client, Db: mt.DB})
}

func roomDoc(t *testing.T, room *entity.Room) bson.D {
	t.Helper()
	raw, err := bson.Marshal(room)
	require.NoError(t, err)
	var doc bson.D
	require.NoError(t, bson.Unmarshal(raw, &doc))
	return doc
}

func updateResponse(matched int) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: matched}, bson.E{Key: "nModified", Value: matched})
}

// lastFilter 取出最近一条命令的查询条件
func lastFilter(mt *mtest.T, field string) bson.Raw {
	evt := mt.GetStartedEvent()
	for next := mt.GetStartedEvent(); next != nil; next = mt.GetStartedEvent() {
		evt = next
	}
	require.NotNil(mt, evt)
	return evt.Command.Lookup(field).Document()
}

func TestMongoRoomRepository_CloseRoomOnlyFirstWins(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()
	room := entity.NewMatchRoom("math", []string{"u1", "u2"})

	mt.Run("first close", func(mt *mtest.T) {
		mt.AddMockResponses(updateResponse(1))
		closed, err := newMockRepo(mt).CloseRoom(ctx, room.ID, time.Now())
		require.NoError(mt, err)
		require.True(mt, closed)
		require.Equal(mt, "update", mt.GetStartedEvent().CommandName)
	})

	mt.Run("already closed", func(mt *mtest.T) {
		closedRoom := room.Clone()
		closedRoom.Status = vo.RoomClosed
		mt.AddMockResponses(
			updateResponse(0),
			mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch, roomDoc(mt.T, closedRoom)),
		)
		closed, err := newMockRepo(mt).CloseRoom(ctx, room.ID, time.Now())
		require.NoError(mt, err)
		require.False(mt, closed)
	})

	mt.Run("missing room", func(mt *mtest.T) {
		mt.AddMockResponses(
			updateResponse(0),
			mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch),
		)
		_, err := newMockRepo(mt).CloseRoom(ctx, "missing", time.Now())
		require.ErrorIs(mt, err, repository.ErrRoomNotFound)
	})
}

func TestMongoRoomRepository_FindActiveMembership(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("found", func(mt *mtest.T) {
		room := entity.NewMatchRoom("coding", []string{"u1", "u2", "u3"})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch, roomDoc(mt.T, room)))

		found, err := newMockRepo(mt).FindActiveMembershipForUser(ctx, "u2")
		require.NoError(mt, err)
		require.Equal(mt, room.ID, found.ID)
		require.Equal(mt, []string{"u1", "u2", "u3"}, found.ActiveMemberIDs())

		filter := lastFilter(mt, "filter")
		elem := filter.Lookup("members", "$elemMatch").Document()
		require.Equal(mt, "u2", elem.Lookup("user_id").StringValue())
		require.Equal(mt, string(vo.MemberJoined), elem.Lookup("status").StringValue())
		require.Equal(mt, string(vo.RoomClosed), filter.Lookup("status", "$ne").StringValue())
	})

	mt.Run("none", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch))
		_, err := newMockRepo(mt).FindActiveMembershipForUser(ctx, "u9")
		require.ErrorIs(mt, err, repository.ErrMembershipNotFound)
	})
}

func TestMongoRoomRepository_UpdateMembershipStatus(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()
	room := entity.NewMatchRoom("coding", []string{"u1", "u2", "u3"})

	mt.Run("leave", func(mt *mtest.T) {
		updated := room.Clone()
		member, _ := updated.Member("u1")
		member.Status = vo.MemberLeft
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: roomDoc(mt.T, updated)}))

		got, err := newMockRepo(mt).UpdateMembershipStatus(ctx, room.ID, "u1", vo.MemberLeft)
		require.NoError(mt, err)
		require.Equal(mt, []string{"u2", "u3"}, got.ActiveMemberIDs())

		// 只匹配仍为 JOINED 的成员
		query := lastFilter(mt, "query")
		require.Equal(mt, room.ID, query.Lookup("_id").StringValue())
		elem := query.Lookup("members", "$elemMatch").Document()
		require.Equal(mt, "u1", elem.Lookup("user_id").StringValue())
		require.Equal(mt, string(vo.MemberJoined), elem.Lookup("status").StringValue())
	})

	// 第二次离开匹配不到文档，房间仍在时映射为成员不存在
	mt.Run("already left", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch, roomDoc(mt.T, room)),
		)
		_, err := newMockRepo(mt).UpdateMembershipStatus(ctx, room.ID, "u1", vo.MemberLeft)
		require.ErrorIs(mt, err, repository.ErrMembershipNotFound)
	})

	mt.Run("missing room", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch),
		)
		_, err := newMockRepo(mt).UpdateMembershipStatus(ctx, "missing", "u1", vo.MemberLeft)
		require.ErrorIs(mt, err, repository.ErrRoomNotFound)
	})
}

func TestMongoRoomRepository_CountActiveRoomsByTopic(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("aggregate", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, roomNamespace, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "math"}, {Key: "count", Value: int64(2)}},
			bson.D{{Key: "_id", Value: "coding"}, {Key: "count", Value: int64(1)}},
		))
		counts, err := newMockRepo(mt).CountActiveRoomsByTopic(context.Background())
		require.NoError(mt, err)
		require.Equal(mt, map[string]int64{"math": 2, "coding": 1}, counts)
	})
}
