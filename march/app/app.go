package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studyroom/common/cache"
	"studyroom/common/config"
	httpx "studyroom/common/http"
	"studyroom/common/log"
	"studyroom/common/utils"
	"studyroom/core/container"
	"studyroom/march/interfaces/api"
	"studyroom/runtime/conn"
	"studyroom/runtime/march"

	"github.com/gin-gonic/gin"
)

const (
	loadReportInterval = 10 * time.Second
	webhookDedupeTTL   = 10 * time.Minute
	batchSweepInterval = 15 * time.Second
	staleBatchAge      = 30 * time.Second
)

// Run 装配容器 -> 启动 websocket、http -> 上报负载 -> 监听配置变更 -> 等待退出信号
func Run(ctx context.Context) error {
	cfg := config.MarchNodeConfig
	marchContainer, err := container.NewMarchContainer(cfg)
	if err != nil {
		return err
	}
	defer marchContainer.Close()

	worker := conn.NewWorker(cfg.ID, cfg.JwtConf.Secret, marchContainer.MatchService,
		conn.WithRateLimiter(utils.NewRateLimiter(200, 400)))
	marchContainer.MatchService.Bind(worker)

	seen, err := cache.NewGeneralCache(100000, webhookDedupeTTL)
	if err != nil {
		return err
	}
	defer seen.Close()

	server := httpx.NewHttpServer(httpx.WithPort(cfg.HttpPort), httpx.WithMode(gin.ReleaseMode))
	api.NewMatchHandler(marchContainer.MatchService, marchContainer.Provider, seen).Register(server, cfg.JwtConf.Secret)

	errCh := make(chan error, 2)
	go func() {
		if err := worker.Run(cfg.WsAddr); err != nil {
			errCh <- fmt.Errorf("websocket 服务退出: %w", err)
		}
	}()
	go func() {
		log.Info("march http 服务启动, port=%d", server.GetPort())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http 服务退出: %w", err)
		}
	}()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if marchContainer.Registry != nil {
		go march.NewMonitor(worker, marchContainer.Registry, loadReportInterval).Start(monitorCtx)
	}
	go march.NewBatchSweeper(marchContainer.MatchService, batchSweepInterval, staleBatchAge).Start(monitorCtx)

	config.Watch(func(next config.MarchConfiguration) {
		log.SetLevel(next.LogConf.Level)
		marchContainer.MatchService.UpdateTopics(next.MatchConf.GroupSizes())
	})

	stop := func() {
		log.Info("正在关闭 march 服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopMonitor()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭 http 服务失败: %v", err)
		}
		if err := worker.Close(shutdownCtx); err != nil {
			log.Warn("关闭 websocket 服务失败: %v", err)
		}
		log.Info("march 服务已关闭")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGHUP)
	select {
	case <-ctx.Done():
		stop()
		return nil
	case err := <-errCh:
		stop()
		return err
	case s := <-c:
		stop()
		log.Info("收到信号 %s，服务停止", s)
		return nil
	}
}
