// Package app はカメラとHTTPサーバーを組み立てて起動する
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/server"
)

// Run は設定に従ってカメラとサーバーを起動し、終了まで待つ
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	hub := server.NewHub(cfg.Stream, logger)

	cam, err := camera.New(cfg.CameraSettings(), hub, camera.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("カメラの初期化に失敗: %w", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			logger.Warn("カメラの終了に失敗", zap.Error(err))
		}
	}()

	if err := cam.Play(); err != nil {
		return fmt.Errorf("カメラの再生に失敗: %w", err)
	}

	srv := server.New(cfg, cam, hub, camera.NewLinuxDiscovery(), logger)

	logger.Info("hitomi サーバーを起動します",
		zap.String("addr", cfg.ServerAddress()),
		zap.String("camera", cam.ID()),
		zap.String("source", cfg.Camera.Source),
		zap.String("backend", cfg.Camera.Backend),
	)
	return srv.Start(ctx)
}
