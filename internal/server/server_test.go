package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hitomi/internal/camera"
	"hitomi/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Camera.Source = "test"
	cfg.Camera.Device = ""
	cfg.Camera.SourceCaps = "image/jpeg,width=64,height=48,framerate=100/1"
	cfg.Camera.CaptureDir = t.TempDir()
	cfg.Camera.PrerollTimeout = config.Duration(3 * time.Second)
	return cfg
}

// newTestServer は test ソースのカメラを持つ Server を作成する
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *camera.Camera) {
	t.Helper()

	hub := NewHub(cfg.Stream, nil)
	cam, err := camera.New(cfg.CameraSettings(), hub)
	if err != nil {
		t.Fatalf("カメラの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = cam.Close() })
	t.Cleanup(hub.Close)

	discovery := camera.NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})
	srv := New(cfg, cam, hub, discovery, nil)
	hub.Start(cam)
	return srv, cam
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitForFrame(t *testing.T, cam *camera.Camera) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cam.PreviewFrameBuffer(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("フレームが届きません")
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗: %v", err)
	}

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, listener)
	}()

	// 起動を確認
	url := "http://" + listener.Addr().String() + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ヘルスチェックに失敗: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints はサーバーのエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv, cam := newTestServer(t, testConfig(t))
	h := srv.Handler()

	testCases := []struct {
		name         string
		path         string
		expectedCode int
		contains     string
	}{
		{"ヘルスチェック", "/health", http.StatusOK, `"status":"healthy"`},
		{"ステータス", "/api/status", http.StatusOK, `"state":"PAUSED"`},
		{"デバイス一覧", "/api/devices", http.StatusOK, `"/dev/video2"`},
		{"ビューア", "/", http.StatusOK, "Hitomi"},
		{"静的ファイル", "/static/", http.StatusOK, "EventSource"},
		{"存在しないパス", "/api/unknown", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, tc.path, "")
			if rec.Code != tc.expectedCode {
				t.Fatalf("Expected status %d, got %d", tc.expectedCode, rec.Code)
			}
			if tc.contains != "" && !strings.Contains(rec.Body.String(), tc.contains) {
				t.Errorf("レスポンスに %q が含まれていません: %s", tc.contains, rec.Body.String())
			}
		})
	}

	rec := doRequest(t, h, http.MethodGet, "/api/status", "")
	if !strings.Contains(rec.Body.String(), cam.ID()) {
		t.Errorf("ステータスにカメラIDが含まれていません: %s", rec.Body.String())
	}
}

func TestServerStateTransitions(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))
	h := srv.Handler()

	steps := []struct {
		path  string
		state string
	}{
		{"/api/camera/play", "PLAYING"},
		{"/api/camera/pause", "PAUSED"},
		{"/api/camera/stop", "READY"},
		{"/api/camera/play", "PLAYING"},
	}
	for _, step := range steps {
		rec := doRequest(t, h, http.MethodPost, step.path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: Expected 200, got %d: %s", step.path, rec.Code, rec.Body.String())
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("JSON の解析に失敗: %v", err)
		}
		if body["state"] != step.state {
			t.Errorf("%s: Expected %s, got %s", step.path, step.state, body["state"])
		}
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/camera/play", ""); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET での遷移が受け付けられました: %d", rec.Code)
	}
}

func TestServerFrame(t *testing.T) {
	srv, cam := newTestServer(t, testConfig(t))
	h := srv.Handler()

	// 再生前はフレームがない
	if rec := doRequest(t, h, http.MethodGet, "/api/camera/frame", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	if err := cam.Play(); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitForFrame(t, cam)

	rec := doRequest(t, h, http.MethodGet, "/api/camera/frame?format=raw", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Width") != "64" || rec.Header().Get("X-Frame-Height") != "48" {
		t.Errorf("フレームサイズのヘッダーが不正: %v", rec.Header())
	}
	if rec.Body.Len() != 64*48*4 {
		t.Errorf("RGBA データ長が不正: %d", rec.Body.Len())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/camera/frame?format=png", "")
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type: %s", rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("PNG のデコードに失敗: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("PNG のサイズが不正: %v", img.Bounds())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/camera/frame", "")
	if _, err := jpeg.Decode(rec.Body); err != nil {
		t.Errorf("JPEG のデコードに失敗: %v", err)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/camera/frame?format=bmp", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestServerZoom(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/camera/zoom", "")
	var zoom ZoomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &zoom); err != nil {
		t.Fatalf("JSON の解析に失敗: %v", err)
	}
	if zoom.Min != 0 || zoom.Max != 3 || zoom.Level != 0 {
		t.Errorf("既定のズーム: %+v", zoom)
	}

	testCases := []struct {
		name         string
		body         string
		expectedCode int
	}{
		{"範囲内", `{"level": 2}`, http.StatusOK},
		{"下限", `{"level": 0}`, http.StatusOK},
		{"上限超過", `{"level": 5}`, http.StatusBadRequest},
		{"負の値", `{"level": -1}`, http.StatusBadRequest},
		{"level なし", `{}`, http.StatusBadRequest},
		{"壊れた JSON", `{"level":`, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPut, "/api/camera/zoom", tc.body)
			if rec.Code != tc.expectedCode {
				t.Errorf("Expected %d, got %d: %s", tc.expectedCode, rec.Code, rec.Body.String())
			}
		})
	}

	doRequest(t, h, http.MethodPut, "/api/camera/zoom", `{"level": 2.5}`)
	rec = doRequest(t, h, http.MethodGet, "/api/camera/zoom", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &zoom); err != nil {
		t.Fatalf("JSON の解析に失敗: %v", err)
	}
	if zoom.Level != 2.5 {
		t.Errorf("Expected 2.5, got %g", zoom.Level)
	}
}

// readEvents は SSE の event 行を ch に流す
func readEvents(t *testing.T, ctx context.Context, url string) <-chan string {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("イベントの購読に失敗: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type: %s", ct)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ch <- event + " " + strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return ch
}

func waitEvent(t *testing.T, ch <-chan string, prefix string) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("%s イベントを受信する前に切断されました", prefix)
			}
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s イベントを受信できませんでした", prefix)
		}
	}
}

func TestServerTakePictureEvents(t *testing.T) {
	srv, cam := newTestServer(t, testConfig(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// 再生前は撮影できない
	if rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/camera/picture", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := readEvents(t, ctx, ts.URL+"/api/camera/events")

	// 接続直後に現在の状態が届く
	if ev := waitEvent(t, events, "state"); !strings.Contains(ev, "PAUSED") {
		t.Errorf("初期状態が不正: %s", ev)
	}

	resp, err := http.Post(ts.URL+"/api/camera/play", "application/json", nil)
	if err != nil {
		t.Fatalf("再生に失敗: %v", err)
	}
	_ = resp.Body.Close()
	if ev := waitEvent(t, events, "state"); !strings.Contains(ev, `"new":"PLAYING"`) {
		t.Errorf("状態変化イベントが不正: %s", ev)
	}
	waitForFrame(t, cam)

	resp, err = http.Post(ts.URL+"/api/camera/picture", "application/json", nil)
	if err != nil {
		t.Fatalf("撮影に失敗: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	ev := waitEvent(t, events, "captured")
	if !strings.Contains(ev, "capture_") || !strings.Contains(ev, ".jpg") {
		t.Errorf("captured イベントが不正: %s", ev)
	}
}

func TestServerStream(t *testing.T) {
	srv, cam := newTestServer(t, testConfig(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := cam.Play(); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/camera/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ストリームへの接続に失敗: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type: %s", ct)
	}

	// 最初のフレームの JPEG 先頭を探す
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	var received bytes.Buffer
	for !bytes.Contains(received.Bytes(), []byte{0xff, 0xd8}) {
		n, err := reader.Read(buf)
		if err != nil {
			t.Fatalf("フレームを受信できませんでした: %v", err)
		}
		received.Write(buf[:n])
	}
}

func TestServerStreamDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.Enabled = false
	srv, _ := newTestServer(t, cfg)

	if rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/camera/stream", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}
