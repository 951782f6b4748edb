package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ShopAssist/internal/observability/metrics"
	"ShopAssist/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the email delivery workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}
}

// Run 并行运行 API、邮件投递、词表监听与会话清理，任一退出即整体退出。
func (a *application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Start(ctx) })
	g.Go(func() error { return a.processor.Start(ctx) })
	if a.vocabulary != nil {
		g.Go(func() error {
			// 词表监听失败不影响服务，沿用已加载的分类。
			if err := a.vocabulary.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("分类文件监听已停止", slog.Any("error", err))
			}
			return nil
		})
	}
	if a.metricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(ctx, a.metricsAddress) })
	}
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(ctx, a.sweepInterval) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.L().Error("服务异常退出", slog.Any("error", err))
	} else {
		logger.L().Info("服务已停止")
	}
	return err
}
