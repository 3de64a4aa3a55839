package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/pipeline"
)

// Camera はサーバーが操作するカメラ
type Camera interface {
	FrameSource

	ID() string
	State() pipeline.State
	Play() error
	Pause() error
	Stop() error
	FrameSize() (width, height int)
	SetZoomLevel(zoom float64) error
	ZoomLevel() float64
	ZoomRange() (maxZoom, minZoom float64)
	TakePicture(onCaptured camera.OnCaptured) error
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	camera     Camera
	discovery  camera.Discovery
	hub        *Hub
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
// hub はカメラの StreamHandler として渡したものと同じものを指定する
func New(cfg *config.Config, cam Camera, hub *Hub, discovery camera.Discovery, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(cfg.Stream, logger)
	}
	if discovery == nil {
		discovery = camera.NewLinuxDiscovery()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		config:    cfg,
		camera:    cam,
		discovery: discovery,
		hub:       hub,
		logger:    logger.Named("server"),
		engine:    engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
		},
	}

	engine.Use(recovery(s.logger), requestLogger(s.logger))
	s.setupRoutes()

	return s
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleDevices)

	cam := api.Group("/camera")
	cam.POST("/play", s.handlePlay)
	cam.POST("/pause", s.handlePause)
	cam.POST("/stop", s.handleStop)
	cam.GET("/frame", s.handleFrame)
	cam.GET("/zoom", s.handleGetZoom)
	cam.PUT("/zoom", s.handleSetZoom)
	cam.POST("/picture", s.handleTakePicture)
	cam.GET("/events", s.handleEvents)
	cam.GET("/stream", s.handleStream)

	// ビューア
	s.engine.GET("/", s.handleRoot)
	s.engine.StaticFS("/static", GetStaticFS())
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は listener でリクエストを受け付け、終了時にグレースフルシャットダウンする
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.hub.Start(s.camera)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.Stringer("signal", sig))
	case err := <-shutdownCh:
		s.hub.Close()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	timeout := s.config.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// ストリーミング中の接続を先に切断する
	s.hub.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
