package main

import (
	"context"
	"log"
	"os"

	"hitomi/internal/app"
	"hitomi/internal/config"
	"hitomi/internal/logger"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("HITOMI_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	l, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗しました: %v", err)
	}
	defer func() { _ = l.Sync() }()

	// サーバーを起動
	if err := app.Run(context.Background(), cfg, l); err != nil {
		l.Sugar().Errorf("サーバーの起動に失敗しました: %v", err)
		_ = l.Sync()
		os.Exit(1)
	}
}
