package camera

import (
	"context"
	"errors"
	"image"
	"time"

	"hitomi/internal/pipeline"
)

var (
	// ErrNoSource はソースが初期化されていないときに返される
	ErrNoSource = errors.New("camera: source not initialized")

	// ErrZoomOutOfRange はズームレベルが範囲外のときに返される
	ErrZoomOutOfRange = errors.New("camera: zoom level out of range")

	// ErrNoFrame はまだフレームを受け取っていないときに返される
	ErrNoFrame = errors.New("camera: no frame available")
)

// バックエンド種別
const (
	BackendNative = "native"
	BackendGst    = "gst"
)

// ズームの既定範囲（v4l2src のデジタルズーム）
const (
	DefaultMinZoom = 0.0
	DefaultMaxZoom = 3.0
)

// StreamHandler はフレームのデコード完了を受け取る
type StreamHandler interface {
	// OnNotifyFrameDecoded は新しいフレームがハンドオフされるたびに呼ばれる
	OnNotifyFrameDecoded()
}

// StateObserver は StreamHandler が追加で実装するとパイプラインの状態変化を受け取れる
type StateObserver interface {
	OnStateChanged(oldState, newState pipeline.State)
}

// StreamHandlerFunc は関数を StreamHandler として使うためのアダプタ
type StreamHandlerFunc func()

// OnNotifyFrameDecoded は f() を呼ぶ
func (f StreamHandlerFunc) OnNotifyFrameDecoded() {
	f()
}

// OnCaptured は撮影完了時に保存先のファイル名で呼ばれる
type OnCaptured func(filename string)

// Settings はカメラの設定を表す
type Settings struct {
	Backend          string         // native または gst
	Source           string         // ソース種別（v4l2, mjpeg, test）
	Device           string         // デバイスパス（例: /dev/video34）
	URL              string         // MJPEG ストリーム URL
	SourceProperties map[string]any // ソースの追加プロパティ
	SourceCaps       string         // 例: image/jpeg,width=1920,height=1080,framerate=30/1
	OutputCaps       string         // 例: video/x-raw,format=RGBA
	MinZoom          float64        // ズーム下限
	MaxZoom          float64        // ズーム上限
	CaptureDir       string         // 撮影画像の保存先
	JPEGQuality      int            // 撮影画像の JPEG 品質
	PrerollTimeout   time.Duration  // 非同期遷移の待ち時間（0 は無期限）
}

// DefaultSettings は既定の設定を返す
func DefaultSettings() Settings {
	return Settings{
		Backend:        BackendNative,
		Source:         pipeline.SourceKindV4L2,
		Device:         "/dev/video0",
		SourceCaps:     "image/jpeg,width=1920,height=1080,framerate=30/1",
		OutputCaps:     "video/x-raw,format=RGBA",
		MinZoom:        DefaultMinZoom,
		MaxZoom:        DefaultMaxZoom,
		CaptureDir:     "captures",
		JPEGQuality:    90,
		PrerollTimeout: 10 * time.Second,
	}
}

// PreviewFrame はプレビュー用の RGBA フレーム
// Pix はハンドオフされたバッファを共有しているため変更してはならない
type PreviewFrame struct {
	Pix      []byte // RGBA ピクセルデータ
	Width    int    // 画像幅
	Height   int    // 画像高さ
	Stride   int    // 1行あたりのバイト数
	Sequence uint64 // フレーム番号
}

// Image はフレームを image.RGBA として返す
func (f PreviewFrame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device string `json:"device"`           // デバイスパス
	Index  int    `json:"index"`            // デバイス番号
	Name   string `json:"name"`             // デバイス名
	Driver string `json:"driver,omitempty"` // ドライバー名
}
