package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"studyroom/common/config"
	"studyroom/common/log"

	"github.com/redis/go-redis/v9"
)

type RedisManager struct {
	Cli        *redis.Client
	ClusterCli *redis.ClusterClient
	scriptSHAs map[string]string
	mu         sync.RWMutex
}

func NewRedis(redisConf config.RedisConf) *RedisManager {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterCli *redis.ClusterClient
	var cli *redis.Client

	// 构建Redis地址
	var addr string
	if redisConf.Addr != "" {
		addr = redisConf.Addr
	} else if redisConf.Host != "" && redisConf.Port > 0 {
		addr = fmt.Sprintf("%s:%d", redisConf.Host, redisConf.Port)
	} else if len(redisConf.ClusterAddrs) == 0 {
		panic("redis 配置出错")
	}

	// 匹配相关的读写都要快速失败，关闭客户端重试，由调用方降级为"暂未匹配"
	dialTimeout := time.Duration(redisConf.DialTimeout) * time.Millisecond
	readTimeout := time.Duration(redisConf.ReadTimeout) * time.Millisecond
	writeTimeout := time.Duration(redisConf.WriteTimeout) * time.Millisecond

	if len(redisConf.ClusterAddrs) == 0 {
		cli = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     redisConf.Password, // 如果没有密码，这个字段为空字符串，Redis会忽略
			PoolSize:     redisConf.PoolSize,
			MinIdleConns: redisConf.MinIdleConns,
			MaxRetries:   -1,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		})
	} else {
		clusterCli = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        redisConf.ClusterAddrs,
			Password:     redisConf.Password,
			PoolSize:     redisConf.PoolSize,
			MinIdleConns: redisConf.MinIdleConns,
			MaxRetries:   -1,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		})
	}
	if cli != nil {
		if err := cli.Ping(ctx).Err(); err != nil {
			log.Fatal("redis 连接错误: %v", err)
			return nil
		}
	}
	if clusterCli != nil {
		if err := clusterCli.Ping(ctx).Err(); err != nil {
			log.Fatal("redisCluster 连接错误: %v", err)
			return nil
		}
	}

	return &RedisManager{
		Cli:        cli,
		ClusterCli: clusterCli,
		scriptSHAs: make(map[string]string),
	}
}

// WrapRedis 使用已有的单机客户端构造管理器（测试、嵌入式场景）
func WrapRedis(cli *redis.Client) *RedisManager {
	return &RedisManager{
		Cli:        cli,
		scriptSHAs: make(map[string]string),
	}
}

func (r *RedisManager) GetClient() (redis.Cmdable, error) {
	if r.Cli != nil {
		return r.Cli, nil
	}
	if r.ClusterCli != nil {
		return r.ClusterCli, nil
	}
	return nil, fmt.Errorf("redis 客户端未初始化")
}

// EvalScript 执行 Lua 脚本，单机模式下缓存 SHA 并走 EVALSHA，集群模式直接 EVAL
func (r *RedisManager) EvalScript(ctx context.Context, scriptName, script string, keys []string, args ...any) (any, error) {
	cli, err := r.GetClient()
	if err != nil {
		return nil, err
	}

	if r.Cli == nil || scriptName == "" {
		return cli.Eval(ctx, script, keys, args...).Result()
	}

	r.mu.RLock()
	sha, exists := r.scriptSHAs[scriptName]
	r.mu.RUnlock()

	if !exists {
		sha, err = r.loadScript(ctx, scriptName, script)
		if err != nil {
			return nil, err
		}
	}

	result, err := r.Cli.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// SHA 失效（redis 重启或 SCRIPT FLUSH），重新加载
		sha, err = r.loadScript(ctx, scriptName, script)
		if err != nil {
			return nil, err
		}
		return r.Cli.EvalSha(ctx, sha, keys, args...).Result()
	}
	return result, err
}

func (r *RedisManager) loadScript(ctx context.Context, scriptName, script string) (string, error) {
	sha, err := r.Cli.ScriptLoad(ctx, script).Result()
	if err != nil {
		return "", fmt.Errorf("加载脚本 %s 失败: %w", scriptName, err)
	}
	r.mu.Lock()
	r.scriptSHAs[scriptName] = sha
	r.mu.Unlock()
	return sha, nil
}

func (r *RedisManager) Close() error {
	if r.Cli != nil {
		if err := r.Cli.Close(); err != nil {
			log.Error("redis 关闭出错: %v", err)
			return err
		}
	}
	if r.ClusterCli != nil {
		if err := r.ClusterCli.Close(); err != nil {
			log.Error("redisCluster 关闭出错: %v", err)
			return err
		}
	}
	return nil
}
