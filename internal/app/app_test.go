package app

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"hitomi/internal/camera"
	"hitomi/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Camera.Backend = camera.BackendNative
	cfg.Camera.Source = "test"
	cfg.Camera.Device = ""
	cfg.Camera.PrerollTimeout = config.Duration(3 * time.Second)
	cfg.Camera.SourceCaps = "image/jpeg,width=32,height=24,framerate=100/1"
	cfg.Camera.CaptureDir = t.TempDir()
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ポートの確保に失敗: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_CanceledContext(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Run(ctx, cfg, zaptest.NewLogger(t)); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRun_CameraError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Camera.Backend = camera.BackendGst

	if err := Run(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("gst バックエンドと test ソースの組み合わせでエラーになるべき")
	}
}
