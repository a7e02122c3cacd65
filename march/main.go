package main

import (
	"context"
	"fmt"
	"os"

	"studyroom/common/config"
	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/march/app"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	identifier string
)

var rootCmd = &cobra.Command{
	Use:   "march",
	Short: "march 自习室匹配服务",
	Long:  `march 自习室匹配服务：按话题匹配用户，创建音视频房间并协调房间生命周期`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(configFile, identifier); err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		cfg := config.MarchNodeConfig
		level := cfg.LogConf.Level
		if cmd.Flags().Changed("logLevel") {
			level = logLevel
		}
		log.InitLog(cfg.ID, level)
		log.Info("march 启动 mode=%s topics=%v", cfg.MatchConf.Mode, cfg.MatchConf.GroupSizes())

		go func() {
			log.Info("启动监控..., URL: http://localhost:%d/debug/statsviz/", cfg.MetricPort)
			if err := metrics.Serve(fmt.Sprintf("0.0.0.0:%d", cfg.MetricPort)); err != nil {
				log.Error("监控服务退出: %v", err)
			}
		}()

		return app.Run(context.Background())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "resource", "resource/application.yml", "resource file")
	rootCmd.Flags().StringVar(&logLevel, "logLevel", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&identifier, "identifier", "", "node identifier, falls back to NODE_ID")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("march 异常退出: %v", err)
		os.Exit(1)
	}
}
