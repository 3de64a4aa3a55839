//go:build linux

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

const v4l2DefaultBufferSize = 4

// v4l2Device は V4L2Source が使う go4vl の device.Device の操作
// 出力チャンネルは Open 時に一度だけ作られ、ストリーム終了時にクローズされる
type v4l2Device interface {
	GetPixFormat() (v4l2.PixFormat, error)
	SetPixFormat(pixFmt v4l2.PixFormat) error
	Start(ctx context.Context) error
	GetOutput() <-chan []byte
	SetControlValue(ctrlID v4l2.CtrlID, val v4l2.CtrlValue) error
	Close() error
}

type v4l2Opener func(path string, opts ...device.Option) (v4l2Device, error)

func openV4L2Device(path string, opts ...device.Option) (v4l2Device, error) {
	dev, err := device.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// V4L2Source は go4vl で V4L2 デバイスから MJPEG フレームを取得するソース
// go4vl のデバイスは一度ストリームを止めると再開できないため、
// Stop でデバイスを閉じ、次の Start でネゴシエーション済みの形式で開き直す
type V4L2Source struct {
	device     string
	bufferSize uint32
	open       v4l2Opener

	mu     sync.Mutex
	dev    v4l2Device
	opened bool
	pix    v4l2.PixFormat
	fps    uint32
	caps   Caps
	cancel context.CancelFunc
	output <-chan []byte
}

// NewV4L2Source は新しい V4L2Source を作成する
func NewV4L2Source(devicePath string, bufferSize int) *V4L2Source {
	if bufferSize <= 0 {
		bufferSize = v4l2DefaultBufferSize
	}
	return &V4L2Source{
		device:     devicePath,
		bufferSize: uint32(bufferSize),
		open:       openV4L2Device,
	}
}

// NewV4L2SourceFromConfig は設定から V4L2Source を作成する
func NewV4L2SourceFromConfig(cfg SourceConfig) (Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("V4L2 ソースの作成にはデバイスパスが必要です")
	}
	n, _ := intProperty(cfg.Properties, "buffer-size")
	return NewV4L2Source(cfg.Device, n), nil
}

// Name はエレメント名を返す
func (s *V4L2Source) Name() string {
	return "v4l2src"
}

// Open はデバイスを開き MJPEG フォーマットを設定する
func (s *V4L2Source) Open(_ context.Context, filter Caps) (Caps, error) {
	if filter.Media != "" && filter.Media != MediaJPEG {
		return Caps{}, fmt.Errorf("%w: v4l2src は %s を出力できません", ErrNotNegotiated, filter.Media)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return s.caps, nil
	}

	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithBufferSize(s.bufferSize),
	}
	if filter.Width > 0 && filter.Height > 0 {
		opts = append(opts, device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(filter.Width),
			Height:      uint32(filter.Height),
			Field:       v4l2.FieldNone,
		}))
	}
	var fps uint32
	if f := filter.Framerate.Float(); f > 0 {
		fps = uint32(f)
		opts = append(opts, device.WithFPS(fps))
	}

	dev, err := s.open(s.device, opts...)
	if err != nil {
		return Caps{}, fmt.Errorf("デバイス %s のオープンに失敗: %w", s.device, err)
	}

	pix, err := dev.GetPixFormat()
	if err != nil {
		_ = dev.Close()
		return Caps{}, fmt.Errorf("ピクセルフォーマットの取得に失敗: %w", err)
	}

	if pix.PixelFormat != v4l2.PixelFmtMJPEG {
		pix.PixelFormat = v4l2.PixelFmtMJPEG
		if err := dev.SetPixFormat(pix); err != nil {
			_ = dev.Close()
			return Caps{}, fmt.Errorf("%w: MJPEG に設定できません: %v", ErrNotNegotiated, err)
		}
	}

	caps := Caps{
		Media:     MediaJPEG,
		Width:     int(pix.Width),
		Height:    int(pix.Height),
		Framerate: filter.Framerate,
	}
	if !caps.Intersects(filter) {
		_ = dev.Close()
		return Caps{}, fmt.Errorf("%w: デバイスは %s を返しました（要求 %s）", ErrNotNegotiated, caps, filter)
	}

	s.dev = dev
	s.opened = true
	s.pix = pix
	s.fps = fps
	s.caps = caps
	return caps, nil
}

// reopen はネゴシエーション済みの形式でデバイスを開き直す（ロック済み前提）
func (s *V4L2Source) reopen() error {
	if s.dev != nil {
		return nil
	}

	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithBufferSize(s.bufferSize),
		device.WithPixFormat(s.pix),
	}
	if s.fps > 0 {
		opts = append(opts, device.WithFPS(s.fps))
	}

	dev, err := s.open(s.device, opts...)
	if err != nil {
		return fmt.Errorf("デバイス %s の再オープンに失敗: %w", s.device, err)
	}
	s.dev = dev
	return nil
}

// Start はデバイスのストリーミングを開始する
func (s *V4L2Source) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil, fmt.Errorf("デバイス %s が開かれていません", s.device)
	}
	if s.cancel != nil {
		return nil, fmt.Errorf("デバイス %s は既にストリーミング中です", s.device)
	}
	if err := s.reopen(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if err := s.dev.Start(streamCtx); err != nil {
		cancel()
		_ = s.dev.Close()
		s.dev = nil
		return nil, fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}
	s.cancel = cancel
	s.output = s.dev.GetOutput()

	return s.output, nil
}

// Stop はストリーミングを停止してデバイスを閉じる
// ストリームの停止は go4vl のループがコンテキストのキャンセルで行う
func (s *V4L2Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil

	// ループの終了（出力チャンネルのクローズ）を待つ
	for range s.output {
	}
	s.output = nil

	err := s.dev.Close()
	s.dev = nil
	if err != nil {
		return fmt.Errorf("デバイス %s のクローズに失敗: %w", s.device, err)
	}
	return nil
}

// Close はデバイスを閉じる
func (s *V4L2Source) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = false
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	if err != nil {
		return fmt.Errorf("デバイス %s のクローズに失敗: %w", s.device, err)
	}
	return nil
}

// Err は常に nil を返す（go4vl の出力はキャンセルでのみクローズされる）
func (s *V4L2Source) Err() error {
	return nil
}

// SetControl は V4L2 コントロールを設定する
// ストリーム停止後で閉じている場合はデバイスを開き直す
func (s *V4L2Source) SetControl(name string, value int) error {
	id, err := ControlID(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return fmt.Errorf("デバイス %s が開かれていません", s.device)
	}
	if err := s.reopen(); err != nil {
		return err
	}
	if err := s.dev.SetControlValue(id, int32(value)); err != nil {
		return fmt.Errorf("コントロール %s の設定に失敗: %w", name, err)
	}
	return nil
}
