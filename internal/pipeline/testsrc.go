package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

const (
	testSourceDefaultWidth  = 320
	testSourceDefaultHeight = 240
)

// TestSource は合成パターンを JPEG で生成するソース
// すべてのコントロールを受け付け、最後に設定された値を記録する
type TestSource struct {
	caps       Caps
	numBuffers int // 0 は無制限

	mu       sync.Mutex
	controls map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewTestSource は新しい TestSource を作成する
// numBuffers を超えるとストリームを終了する（0 は無制限）
func NewTestSource(numBuffers int) *TestSource {
	return &TestSource{
		numBuffers: numBuffers,
		controls:   make(map[string]int),
	}
}

// NewTestSourceFromConfig は設定から TestSource を作成する
func NewTestSourceFromConfig(cfg SourceConfig) (Source, error) {
	n, _ := intProperty(cfg.Properties, "num-buffers")
	if n < 0 {
		return nil, fmt.Errorf("無効な num-buffers: %d", n)
	}
	return NewTestSource(n), nil
}

// Name はエレメント名を返す
func (s *TestSource) Name() string {
	return "testsrc"
}

// Open はフィルタに従って出力 Caps を決める
func (s *TestSource) Open(_ context.Context, filter Caps) (Caps, error) {
	if filter.Media != "" && filter.Media != MediaJPEG {
		return Caps{}, fmt.Errorf("%w: %s", ErrNotNegotiated, filter)
	}

	caps := filter.Merge(Caps{
		Media:     MediaJPEG,
		Width:     testSourceDefaultWidth,
		Height:    testSourceDefaultHeight,
		Framerate: Fraction{Num: 30, Den: 1},
	})

	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()

	return caps, nil
}

// Start はフレーム生成ゴルーチンを開始する
func (s *TestSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("testsrc は既にストリーミング中です")
	}
	if s.caps.Width == 0 {
		return nil, fmt.Errorf("testsrc が開かれていません")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil

	out := make(chan []byte, 2)
	go s.generate(streamCtx, s.caps, out, s.done)

	return out, nil
}

// Stop はフレーム生成を停止する
func (s *TestSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Close はリソースを解放する
func (s *TestSource) Close() error {
	return s.Stop()
}

// Err はフレーム生成が失敗して終わったときの原因を返す
func (s *TestSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetControl はコントロール値を記録する
func (s *TestSource) SetControl(name string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[name] = value
	return nil
}

// Control は記録されたコントロール値を返す
func (s *TestSource) Control(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.controls[name]
	return v, ok
}

func (s *TestSource) generate(ctx context.Context, caps Caps, out chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	interval := time.Second / 30
	if fps := caps.Framerate.Float(); fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; s.numBuffers == 0 || n < s.numBuffers; n++ {
		frame, err := renderTestPattern(caps.Width, caps.Height, n)
		if err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("テストパターンの生成に失敗: %w", err)
			s.mu.Unlock()
			return
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// renderTestPattern はフレーム番号に応じて流れる縦縞を描画する
func renderTestPattern(width, height, n int) ([]byte, error) {
	bars := []color.RGBA{
		{255, 255, 255, 255},
		{255, 255, 0, 255},
		{0, 255, 255, 255},
		{0, 255, 0, 255},
		{255, 0, 255, 255},
		{255, 0, 0, 255},
		{0, 0, 255, 255},
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width/len(bars) + 1
	for x := 0; x < width; x++ {
		c := bars[((x+n*4)/barWidth)%len(bars)]
		for y := 0; y < height; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
