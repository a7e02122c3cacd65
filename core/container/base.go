package container

import (
	"studyroom/common/config"
	"studyroom/common/database"
	"studyroom/common/log"

	"go.uber.org/multierr"
)

// BaseContainer 基础容器，管理共享的数据库连接
type BaseContainer struct {
	mongo *database.MongoManager
	redis *database.RedisManager
}

// NewBase 创建基础容器，连接失败时直接退出
func NewBase(conf config.DatabaseConf) *BaseContainer {
	mongo := database.NewMongo(conf.MongoConf)
	redis := database.NewRedis(conf.RedisConf)

	if mongo == nil || redis == nil {
		log.Fatal("数据库初始化失败")
		return nil
	}

	log.Info("mongodb、redis 数据库服务启动成功")

	return &BaseContainer{
		mongo: mongo,
		redis: redis,
	}
}

func (c *BaseContainer) GetMongo() *database.MongoManager {
	return c.mongo
}

func (c *BaseContainer) GetRedis() *database.RedisManager {
	return c.redis
}

// Close 关闭所有资源
func (c *BaseContainer) Close() error {
	var errs error
	if err := c.mongo.Close(); err != nil {
		log.Error("mongo 关闭失败: %v", err)
		errs = multierr.Append(errs, err)
	}
	if err := c.redis.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
