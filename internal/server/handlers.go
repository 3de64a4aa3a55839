package server

import (
	"bytes"
	"errors"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hitomi/internal/camera"
)

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ZoomResponse はズームの状態
type ZoomResponse struct {
	Level float64 `json:"level"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// ZoomRequest はズーム設定のリクエスト
type ZoomRequest struct {
	Level *float64 `json:"level" binding:"required"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	width, height := s.camera.FrameSize()

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"camera": gin.H{
			"id":     s.camera.ID(),
			"state":  s.camera.State().String(),
			"width":  width,
			"height": height,
			"zoom":   s.camera.ZoomLevel(),
		},
		"timestamp": time.Now(),
	})
}

// handleDevices は検出されたカメラデバイスの一覧を返す
func (s *Server) handleDevices(c *gin.Context) {
	ctx := c.Request.Context()

	devices, err := s.discovery.ScanDevices(ctx)
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "discovery_failed", "デバイスのスキャンに失敗しました")
		return
	}

	infos := make([]camera.DeviceInfo, 0, len(devices))
	for _, device := range devices {
		info, err := s.discovery.GetDeviceInfo(ctx, device)
		if err != nil {
			s.logger.Warn("デバイス情報の取得に失敗", zap.String("device", device), zap.Error(err))
			continue
		}
		infos = append(infos, *info)
	}

	c.JSON(http.StatusOK, gin.H{"devices": infos})
}

func (s *Server) handlePlay(c *gin.Context) {
	s.changeState(c, s.camera.Play)
}

func (s *Server) handlePause(c *gin.Context) {
	s.changeState(c, s.camera.Pause)
}

func (s *Server) handleStop(c *gin.Context) {
	s.changeState(c, s.camera.Stop)
}

// changeState は状態遷移を実行して遷移後の状態を返す
func (s *Server) changeState(c *gin.Context, transition func() error) {
	if err := transition(); err != nil {
		_ = c.Error(err)
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrNoSource) {
			status = http.StatusServiceUnavailable
		}
		abortWithError(c, status, "state_change_failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": s.camera.State().String()})
}

// handleFrame は最新フレームを返す
// format: raw（RGBA）, png, jpeg（既定）
func (s *Server) handleFrame(c *gin.Context) {
	format := c.DefaultQuery("format", "jpeg")
	if format != "raw" && format != "png" && format != "jpeg" {
		abortWithError(c, http.StatusBadRequest, "invalid_format", "format は raw, png, jpeg のいずれかです")
		return
	}

	frame, ok := s.camera.PreviewFrameBuffer()
	if !ok {
		abortWithError(c, http.StatusServiceUnavailable, "no_frame", "まだフレームがありません")
		return
	}

	c.Header("X-Frame-Width", strconv.Itoa(frame.Width))
	c.Header("X-Frame-Height", strconv.Itoa(frame.Height))
	c.Header("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	c.Header("Cache-Control", "no-cache")

	var buf bytes.Buffer
	switch format {
	case "raw":
		c.Header("X-Frame-Stride", strconv.Itoa(frame.Stride))
		c.Data(http.StatusOK, "application/octet-stream", frame.Pix)
		return
	case "png":
		if err := png.Encode(&buf, frame.Image()); err != nil {
			_ = c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "encode_failed", "PNG エンコードに失敗しました")
			return
		}
		c.Data(http.StatusOK, "image/png", buf.Bytes())
	case "jpeg":
		if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: s.config.Camera.JPEGQuality}); err != nil {
			_ = c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "encode_failed", "JPEG エンコードに失敗しました")
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
	}
}

func (s *Server) zoomResponse() ZoomResponse {
	maxZoom, minZoom := s.camera.ZoomRange()
	return ZoomResponse{
		Level: s.camera.ZoomLevel(),
		Min:   minZoom,
		Max:   maxZoom,
	}
}

func (s *Server) handleGetZoom(c *gin.Context) {
	c.JSON(http.StatusOK, s.zoomResponse())
}

func (s *Server) handleSetZoom(c *gin.Context) {
	var req ZoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "level を指定してください")
		return
	}

	if err := s.camera.SetZoomLevel(*req.Level); err != nil {
		switch {
		case errors.Is(err, camera.ErrZoomOutOfRange):
			abortWithError(c, http.StatusBadRequest, "zoom_out_of_range", err.Error())
		case errors.Is(err, camera.ErrNoSource):
			abortWithError(c, http.StatusServiceUnavailable, "no_source", err.Error())
		default:
			_ = c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "zoom_failed", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, s.zoomResponse())
}

// handleTakePicture は撮影を受け付ける
// 完了は captured イベントで通知される
func (s *Server) handleTakePicture(c *gin.Context) {
	err := s.camera.TakePicture(func(filename string) {
		s.logger.Info("撮影が完了しました", zap.String("filename", filename))
		s.hub.Publish(Event{
			Name: "captured",
			Data: gin.H{"filename": filename},
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, camera.ErrNoFrame), errors.Is(err, camera.ErrNoSource):
			abortWithError(c, http.StatusServiceUnavailable, "not_ready", err.Error())
		default:
			_ = c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "capture_failed", err.Error())
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// handleEvents は Server-Sent Events でイベントを配信する
func (s *Server) handleEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// 接続直後に現在の状態を送る
	c.SSEvent("state", gin.H{"new": s.camera.State().String()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		}
	})
}

// handleStream は MJPEG プレビューを配信する
func (s *Server) handleStream(c *gin.Context) {
	if !s.config.Stream.Enabled {
		abortWithError(c, http.StatusNotFound, "stream_disabled", "プレビュー配信は無効です")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	s.hub.Stream().ServeHTTP(c.Writer, c.Request)
}

// handleRoot はビューアを返す
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}
