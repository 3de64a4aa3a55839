package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Source 種別
const (
	SourceKindV4L2  = "v4l2"
	SourceKindMJPEG = "mjpeg"
	SourceKindTest  = "test"
)

// Source はパイプラインの先頭に置かれる JPEG フレームの供給元
type Source interface {
	// Name はエレメント名を返す
	Name() string

	// Open はデバイスを開き、filter と両立する Caps をネゴシエーションする
	Open(ctx context.Context, filter Caps) (Caps, error)

	// Start はストリーミングを開始し、JPEG フレームのチャンネルを返す
	// ストリームが終わるとチャンネルはクローズされる
	Start(ctx context.Context) (<-chan []byte, error)

	// Err はチャンネルが失敗によってクローズされたときその原因を返す
	// 正常な終端（EOS）や Stop による停止では nil を返す
	Err() error

	// Stop はストリーミングを停止する
	Stop() error

	// Close はデバイスを閉じる
	Close() error

	// SetControl はデバイスのコントロール（zoom-absolute など）を設定する
	SetControl(name string, value int) error
}

// SourceConfig はソース作成設定
type SourceConfig struct {
	Kind       string         // ソース種別
	Device     string         // デバイスパス（v4l2）
	URL        string         // ストリーム URL（mjpeg）
	Properties map[string]any // 追加プロパティ
}

// SourceCreator はソース作成関数の型
type SourceCreator func(cfg SourceConfig) (Source, error)

// SourceFactory は種別ごとのソース作成関数を管理する
type SourceFactory struct {
	mu       sync.RWMutex
	creators map[string]SourceCreator
}

// NewSourceFactory は標準のソースを登録したファクトリーを作成する
func NewSourceFactory() *SourceFactory {
	factory := &SourceFactory{
		creators: make(map[string]SourceCreator),
	}

	factory.Register(SourceKindV4L2, NewV4L2SourceFromConfig)
	factory.Register(SourceKindMJPEG, NewMJPEGSourceFromConfig)
	factory.Register(SourceKindTest, NewTestSourceFromConfig)

	return factory
}

// Register はソース作成関数を登録する
func (f *SourceFactory) Register(kind string, creator SourceCreator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[kind] = creator
}

// Create はソースを作成する
func (f *SourceFactory) Create(cfg SourceConfig) (Source, error) {
	f.mu.RLock()
	creator, exists := f.creators[cfg.Kind]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, cfg.Kind)
	}

	return creator(cfg)
}

// SupportedKinds は登録済みのソース種別を返す
func (f *SourceFactory) SupportedKinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]string, 0, len(f.creators))
	for kind := range f.creators {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func intProperty(props map[string]any, key string) (int, bool) {
	switch v := props[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
