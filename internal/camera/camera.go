package camera

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hitomi/internal/pipeline"
)

const zoomControl = "zoom-absolute"

// Option は Camera の生成オプション
type Option func(*options)

type options struct {
	logger   *zap.Logger
	factory  *pipeline.SourceFactory
	pipeline pipeline.Pipeline
}

// WithLogger はロガーを設定する
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSourceFactory はソースの作成に使うファクトリーを設定する
func WithSourceFactory(factory *pipeline.SourceFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithPipeline は構築済みのパイプラインを使う
// 指定した場合 Settings のバックエンド・ソース設定は使われない
func WithPipeline(p pipeline.Pipeline) Option {
	return func(o *options) {
		o.pipeline = p
	}
}

// Camera はパイプラインを操作し、デコード済みフレームとズームをホストに公開する
type Camera struct {
	id       string
	settings Settings
	handler  StreamHandler
	logger   *zap.Logger

	// パイプライン制御用
	pmu      sync.Mutex
	pipeline pipeline.Pipeline

	// フレームバッファ（ハンドオフとプレビュー読み出しで共有）
	mu     sync.RWMutex
	buffer *pipeline.Buffer
	width  int
	height int

	// ズーム
	zmu     sync.Mutex
	zoom    float64
	maxZoom float64
	minZoom float64

	// 撮影完了コールバック
	cmu        sync.Mutex
	onCaptured OnCaptured
}

// New はパイプラインを作成してプリロールした Camera を返す
func New(settings Settings, handler StreamHandler, opts ...Option) (*Camera, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.factory == nil {
		o.factory = pipeline.NewSourceFactory()
	}
	if handler == nil {
		handler = StreamHandlerFunc(func() {})
	}

	minZoom, maxZoom := settings.MinZoom, settings.MaxZoom
	if minZoom == 0 && maxZoom == 0 {
		minZoom, maxZoom = DefaultMinZoom, DefaultMaxZoom
	}

	id := uuid.NewString()
	c := &Camera{
		id:       id,
		settings: settings,
		handler:  handler,
		logger:   o.logger.Named("camera").With(zap.String("camera_id", id)),
		zoom:     minZoom,
		maxZoom:  maxZoom,
		minZoom:  minZoom,
	}

	p := o.pipeline
	if p == nil {
		var err error
		p, err = c.createPipeline(o.factory)
		if err != nil {
			c.logger.Error("パイプラインの作成に失敗", zap.Error(err))
			return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
		}
	}
	c.pipeline = p

	p.Bus().SetSyncHandler(c.handleMessage)
	p.SetHandoff(c.handleHandoff)

	// パイプラインの情報を得る前にプリロールする
	c.preroll()

	return c, nil
}

// createPipeline は設定に従ってパイプラインを作成する
func (c *Camera) createPipeline(factory *pipeline.SourceFactory) (pipeline.Pipeline, error) {
	srcCaps, outCaps, err := c.parseCaps()
	if err != nil {
		return nil, err
	}

	switch c.settings.Backend {
	case BackendGst:
		if c.settings.Source != "" && c.settings.Source != pipeline.SourceKindV4L2 {
			return nil, fmt.Errorf("gst バックエンドは %s ソースをサポートしていません", c.settings.Source)
		}
		return pipeline.NewGst(pipeline.GstOptions{
			Device:     c.settings.Device,
			SourceCaps: srcCaps,
			OutputCaps: outCaps,
			Logger:     c.logger,
		})

	case BackendNative, "":
		source, err := factory.Create(pipeline.SourceConfig{
			Kind:       c.settings.Source,
			Device:     c.settings.Device,
			URL:        c.settings.URL,
			Properties: c.settings.SourceProperties,
		})
		if err != nil {
			return nil, fmt.Errorf("ソースの作成に失敗: %w", err)
		}

		p, err := pipeline.NewNative(source, pipeline.NativeOptions{
			SourceCaps: srcCaps,
			OutputCaps: outCaps,
			Logger:     c.logger,
		})
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("未対応のバックエンド: %s", c.settings.Backend)
	}
}

func (c *Camera) parseCaps() (pipeline.Caps, pipeline.Caps, error) {
	var srcCaps, outCaps pipeline.Caps
	var err error

	if c.settings.SourceCaps != "" {
		if srcCaps, err = pipeline.ParseCaps(c.settings.SourceCaps); err != nil {
			return srcCaps, outCaps, fmt.Errorf("ソース Caps が無効: %w", err)
		}
	}
	if c.settings.OutputCaps != "" {
		if outCaps, err = pipeline.ParseCaps(c.settings.OutputCaps); err != nil {
			return srcCaps, outCaps, fmt.Errorf("出力 Caps が無効: %w", err)
		}
	}
	return srcCaps, outCaps, nil
}

// preroll は PAUSED に遷移して最初のフレームを待つ
func (c *Camera) preroll() {
	ret := c.pipeline.SetState(pipeline.StatePaused)
	if ret == pipeline.StateChangeFailure {
		c.logger.Error("PAUSED への遷移に失敗")
		return
	}

	if ret == pipeline.StateChangeAsync {
		if ret, _ := c.pipeline.GetState(c.waitTimeout()); ret == pipeline.StateChangeFailure {
			c.logger.Error("現在の状態の取得に失敗")
		}
	}
}

func (c *Camera) waitTimeout() time.Duration {
	if c.settings.PrerollTimeout <= 0 {
		return -1
	}
	return c.settings.PrerollTimeout
}

// ID はカメラの識別子を返す
func (c *Camera) ID() string {
	return c.id
}

// State はパイプラインの現在の状態を返す
func (c *Camera) State() pipeline.State {
	p := c.currentPipeline()
	if p == nil {
		return pipeline.StateNull
	}
	return p.CurrentState()
}

// Play は PLAYING に遷移し、非同期の場合は完了まで待つ
func (c *Camera) Play() error {
	p := c.currentPipeline()
	if p == nil {
		return ErrNoSource
	}

	ret := p.SetState(pipeline.StatePlaying)
	if ret == pipeline.StateChangeFailure {
		c.logger.Error("PLAYING への遷移に失敗")
		return fmt.Errorf("%w: PLAYING", pipeline.ErrStateChange)
	}

	if ret == pipeline.StateChangeAsync {
		ret, state := p.GetState(c.waitTimeout())
		switch ret {
		case pipeline.StateChangeFailure:
			c.logger.Error("現在の状態の取得に失敗")
			return fmt.Errorf("%w: PLAYING", pipeline.ErrStateChange)
		case pipeline.StateChangeAsync:
			c.logger.Warn("PLAYING への遷移が完了していません", zap.Stringer("state", state))
		}
	}

	return nil
}

// Pause は PAUSED に遷移する
func (c *Camera) Pause() error {
	return c.setState(pipeline.StatePaused)
}

// Stop は READY に遷移する
func (c *Camera) Stop() error {
	return c.setState(pipeline.StateReady)
}

func (c *Camera) setState(state pipeline.State) error {
	p := c.currentPipeline()
	if p == nil {
		return ErrNoSource
	}

	if p.SetState(state) == pipeline.StateChangeFailure {
		c.logger.Error("状態遷移に失敗", zap.Stringer("state", state))
		return fmt.Errorf("%w: %s", pipeline.ErrStateChange, state)
	}
	return nil
}

// Close は停止してパイプラインを破棄する
func (c *Camera) Close() error {
	if c.currentPipeline() == nil {
		return nil
	}

	if err := c.Stop(); err != nil {
		c.logger.Warn("停止に失敗", zap.Error(err))
	}
	return c.destroyPipeline()
}

// destroyPipeline はハンドオフを止めてパイプラインを解放する
func (c *Camera) destroyPipeline() error {
	c.pmu.Lock()
	p := c.pipeline
	c.pipeline = nil
	c.pmu.Unlock()

	if p == nil {
		return nil
	}

	p.SetHandoff(nil)
	err := p.Close()

	c.mu.Lock()
	c.buffer = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("パイプラインの破棄に失敗: %w", err)
	}
	return nil
}

func (c *Camera) currentPipeline() pipeline.Pipeline {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.pipeline
}

// handleHandoff はシンクからフレームを受け取る
// ストリーミングゴルーチンから呼ばれる
func (c *Camera) handleHandoff(buf *pipeline.Buffer, caps pipeline.Caps) {
	width, height := caps.Width, caps.Height
	if width == 0 || height == 0 {
		width, height = buf.Width, buf.Height
	}

	c.mu.Lock()
	if width != c.width || height != c.height {
		c.width = width
		c.height = height
		c.logger.Info("ピクセルバッファのサイズを更新",
			zap.Int("width", width),
			zap.Int("height", height),
		)
	}
	c.buffer = buf
	c.mu.Unlock()

	c.handler.OnNotifyFrameDecoded()
}

// PreviewFrameBuffer は最新のフレームを返す
// まだフレームを受け取っていない場合は false を返す
func (c *Camera) PreviewFrameBuffer() (PreviewFrame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.buffer == nil {
		return PreviewFrame{}, false
	}

	return PreviewFrame{
		Pix:      c.buffer.Data,
		Width:    c.width,
		Height:   c.height,
		Stride:   c.buffer.Stride,
		Sequence: c.buffer.Sequence,
	}, true
}

// FrameSize は現在のフレームサイズを返す
func (c *Camera) FrameSize() (width, height int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.width, c.height
}

// SetZoomLevel はズームレベルを設定する
// デバイスには整数に切り捨てた値が設定される
func (c *Camera) SetZoomLevel(zoom float64) error {
	p := c.currentPipeline()
	if p == nil {
		c.logger.Error("ソースが初期化されていません")
		return ErrNoSource
	}

	c.zmu.Lock()
	defer c.zmu.Unlock()

	if math.IsNaN(zoom) {
		c.logger.Error("ズームレベルが数値ではありません")
		return fmt.Errorf("%w: NaN", ErrZoomOutOfRange)
	}
	if zoom < c.minZoom {
		c.logger.Error("ズームレベルが下限を下回っています",
			zap.Float64("zoom", zoom),
			zap.Float64("min_zoom", c.minZoom),
		)
		return fmt.Errorf("%w: %g < %g", ErrZoomOutOfRange, zoom, c.minZoom)
	}
	if zoom > c.maxZoom {
		c.logger.Error("ズームレベルが上限を超えています",
			zap.Float64("zoom", zoom),
			zap.Float64("max_zoom", c.maxZoom),
		)
		return fmt.Errorf("%w: %g > %g", ErrZoomOutOfRange, zoom, c.maxZoom)
	}

	level := int(zoom)
	if err := p.SetSourceControl(zoomControl, level); err != nil {
		return fmt.Errorf("ズームの設定に失敗: %w", err)
	}

	c.zoom = zoom
	c.logger.Info("ズームレベルを設定", zap.Int("zoom", level))
	return nil
}

// ZoomLevel は最後に設定されたズームレベルを返す
func (c *Camera) ZoomLevel() float64 {
	c.zmu.Lock()
	defer c.zmu.Unlock()
	return c.zoom
}

// ZoomRange はズームの上限と下限を返す
func (c *Camera) ZoomRange() (maxZoom, minZoom float64) {
	c.zmu.Lock()
	defer c.zmu.Unlock()
	return c.maxZoom, c.minZoom
}

// TakePicture は現在のフレームを JPEG で保存する
// 完了するとバスの image-done メッセージ経由で onCaptured が呼ばれる
func (c *Camera) TakePicture(onCaptured OnCaptured) error {
	c.cmu.Lock()
	c.onCaptured = onCaptured
	c.cmu.Unlock()

	p := c.currentPipeline()
	if p == nil {
		return ErrNoSource
	}

	frame, ok := c.PreviewFrameBuffer()
	if !ok {
		return ErrNoFrame
	}

	filename, err := c.writeCapture(frame)
	if err != nil {
		c.logger.Error("撮影に失敗", zap.Error(err))
		return err
	}

	p.Bus().Post(&pipeline.Message{
		Type:      pipeline.MessageElement,
		Source:    "camera",
		Structure: pipeline.NewStructure("image-done").Set("filename", filename),
	})
	return nil
}

// writeCapture はフレームを capture_<uuid>.jpg として保存する
func (c *Camera) writeCapture(frame PreviewFrame) (string, error) {
	dir := c.settings.CaptureDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	quality := c.settings.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("capture_%s.jpg", uuid.NewString()))
	if err := os.WriteFile(filename, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("画像の保存に失敗: %w", err)
	}
	return filename, nil
}

// handleMessage はバスの同期ハンドラ
// 投稿したゴルーチンで呼ばれ、すべてのメッセージを破棄する
func (c *Camera) handleMessage(msg *pipeline.Message) pipeline.BusSyncReply {
	switch msg.Type {
	case pipeline.MessageElement:
		if msg.Structure.HasName("image-done") {
			c.cmu.Lock()
			onCaptured := c.onCaptured
			c.cmu.Unlock()

			if onCaptured != nil {
				filename, _ := msg.Structure.GetString("filename")
				onCaptured(filename)
			}
		}

	case pipeline.MessageWarning:
		c.logger.Warn("エレメントからの警告",
			zap.String("element", msg.Source),
			zap.Error(msg.Err),
			zap.String("details", msg.Debug),
		)

	case pipeline.MessageError:
		c.logger.Error("エレメントからのエラー",
			zap.String("element", msg.Source),
			zap.Error(msg.Err),
			zap.String("details", msg.Debug),
		)

	case pipeline.MessageEOS:
		c.logger.Info("ストリームが終了しました", zap.String("element", msg.Source))

	case pipeline.MessageStateChanged:
		c.logger.Debug("状態が変化しました",
			zap.String("element", msg.Source),
			zap.Stringer("old", msg.OldState),
			zap.Stringer("new", msg.NewState),
		)
		if observer, ok := c.handler.(StateObserver); ok {
			observer.OnStateChanged(msg.OldState, msg.NewState)
		}
	}

	return pipeline.BusDrop
}
