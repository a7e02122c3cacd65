package persistence

import (
	"context"
	"errors"
	"time"

	"studyroom/common/database"
	"studyroom/common/log"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const roomCollection = "rooms"

// MongoRoomRepository MongoDB 房间仓储实现，成员内嵌在房间文档中
type MongoRoomRepository struct {
	mongo *database.MongoManager
}

func NewMongoRoomRepository(mongo *database.MongoManager) *MongoRoomRepository {
	return &MongoRoomRepository{mongo: mongo}
}

func (r *MongoRoomRepository) collection() *mongo.Collection {
	return r.mongo.Db.Collection(roomCollection)
}

// EnsureIndexes 启动时创建索引
func (r *MongoRoomRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members.user_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "external_room_ref", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "topic", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		log.Error("创建房间索引失败: %v", err)
	}
	return err
}

// CreateRoomWithMembers 单文档写入，房间和成员要么都在要么都不在
func (r *MongoRoomRepository) CreateRoomWithMembers(ctx context.Context, room *entity.Room) error {
	if _, err := r.collection().InsertOne(ctx, room); err != nil {
		log.Error("保存房间失败 room=%s: %v", room.ID, err)
		return err
	}
	return nil
}

func (r *MongoRoomRepository) findOne(ctx context.Context, filter bson.M, notFound error) (*entity.Room, error) {
	var room entity.Room
	err := r.collection().FindOne(ctx, filter).Decode(&room)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		log.Error("查询房间失败: %v", err)
		return nil, err
	}
	return &room, nil
}

func (r *MongoRoomRepository) FindRoom(ctx context.Context, roomID string) (*entity.Room, error) {
	return r.findOne(ctx, bson.M{"_id": roomID}, repository.ErrRoomNotFound)
}

func (r *MongoRoomRepository) FindRoomByExternalRef(ctx context.Context, externalRef string) (*entity.Room, error) {
	return r.findOne(ctx, bson.M{"external_room_ref": externalRef}, repository.ErrRoomNotFound)
}

func (r *MongoRoomRepository) FindActiveMembershipForUser(ctx context.Context, userID string) (*entity.Room, error) {
	filter := bson.M{
		"status": bson.M{"$ne": vo.RoomClosed},
		"members": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"status":  vo.MemberJoined,
		}},
	}
	return r.findOne(ctx, filter, repository.ErrMembershipNotFound)
}

// UpdateMembershipStatus 使用 findAndModify 返回更新后的文档
// 离开时要求成员仍为 JOINED，同一用户并发离开只有一个请求能匹配到文档
func (r *MongoRoomRepository) UpdateMembershipStatus(ctx context.Context, roomID, userID string, status vo.MemberStatus) (*entity.Room, error) {
	filter := bson.M{"_id": roomID, "members.user_id": userID}
	set := bson.M{"members.$.status": status}
	if status == vo.MemberLeft {
		filter = bson.M{
			"_id": roomID,
			"members": bson.M{"$elemMatch": bson.M{
				"user_id": userID,
				"status":  vo.MemberJoined,
			}},
		}
		set["members.$.left_at"] = time.Now()
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var room entity.Room
	err := r.collection().FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&room)
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		log.Error("更新成员状态失败 room=%s user=%s: %v", roomID, userID, err)
		return nil, err
	}
	if _, findErr := r.FindRoom(ctx, roomID); findErr != nil {
		return nil, findErr
	}
	return nil, repository.ErrMembershipNotFound
}

func (r *MongoRoomRepository) CountActiveMembers(ctx context.Context, roomID string) (int, error) {
	room, err := r.FindRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return len(room.ActiveMemberIDs()), nil
}

func (r *MongoRoomRepository) ActivateRoom(ctx context.Context, roomID string) error {
	res, err := r.collection().UpdateOne(ctx,
		bson.M{"_id": roomID, "status": vo.RoomWaiting},
		bson.M{"$set": bson.M{"status": vo.RoomActive}},
	)
	if err != nil {
		log.Error("激活房间失败 room=%s: %v", roomID, err)
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := r.FindRoom(ctx, roomID); err != nil {
			return err
		}
	}
	return nil
}

// CloseRoom 条件更新保证只有第一次关闭生效
func (r *MongoRoomRepository) CloseRoom(ctx context.Context, roomID string, endedAt time.Time) (bool, error) {
	res, err := r.collection().UpdateOne(ctx,
		bson.M{"_id": roomID, "status": bson.M{"$ne": vo.RoomClosed}},
		bson.M{"$set": bson.M{"status": vo.RoomClosed, "ended_at": endedAt}},
	)
	if err != nil {
		log.Error("关闭房间失败 room=%s: %v", roomID, err)
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := r.FindRoom(ctx, roomID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *MongoRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := r.collection().DeleteOne(ctx, bson.M{"_id": roomID}); err != nil {
		log.Error("删除房间失败 room=%s: %v", roomID, err)
		return err
	}
	return nil
}

func (r *MongoRoomRepository) CountActiveRoomsByTopic(ctx context.Context) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$ne": vo.RoomClosed}}}},
		{{Key: "$group", Value: bson.M{"_id": "$topic", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := r.collection().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	counts := make(map[string]int64)
	for cursor.Next(ctx) {
		var row struct {
			Topic string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.Topic] = row.Count
	}
	return counts, cursor.Err()
}

var _ repository.RoomRepository = (*MongoRoomRepository)(nil)
