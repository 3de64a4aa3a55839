package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/mattn/go-mjpeg"
)

// MJPEGSource は HTTP 上の MJPEG ストリーム（IP カメラなど）を読み込むソース
type MJPEGSource struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	caps   Caps
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewMJPEGSource は新しい MJPEGSource を作成する
func NewMJPEGSource(rawURL string, client *http.Client) (*MJPEGSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("無効な URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("未対応のスキーム: %q", u.Scheme)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &MJPEGSource{url: rawURL, client: client}, nil
}

// NewMJPEGSourceFromConfig は設定から MJPEGSource を作成する
func NewMJPEGSourceFromConfig(cfg SourceConfig) (Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MJPEG ソースの作成には URL が必要です")
	}
	return NewMJPEGSource(cfg.URL, nil)
}

// Name はエレメント名を返す
func (s *MJPEGSource) Name() string {
	return "mjpegsrc"
}

// Open は出力 Caps を決める
// 解像度は受信するまで分からないためフィルタの値をそのまま使う
func (s *MJPEGSource) Open(_ context.Context, filter Caps) (Caps, error) {
	if filter.Media != "" && filter.Media != MediaJPEG {
		return Caps{}, fmt.Errorf("%w: %s", ErrNotNegotiated, filter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = filter.Merge(Caps{Media: MediaJPEG})
	return s.caps, nil
}

// Start は HTTP 接続を開き、受信したフレームを流し始める
func (s *MJPEGSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("mjpegsrc は既にストリーミング中です")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("MJPEG ストリームへの接続に失敗: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("MJPEG ストリームが %d を返しました", resp.StatusCode)
	}

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("MJPEG デコーダの作成に失敗: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil

	out := make(chan []byte, 2)
	go func(done chan<- struct{}) {
		defer close(done)
		defer close(out)
		defer func() {
			_ = resp.Body.Close()
		}()

		for {
			frame, err := dec.DecodeRaw()
			if err != nil {
				// 終端の boundary まで読めたときだけ io.EOF がそのまま返る
				if err != io.EOF && streamCtx.Err() == nil {
					s.setErr(fmt.Errorf("MJPEG ストリームの受信に失敗: %w", err))
				}
				return
			}

			select {
			case out <- frame:
			case <-streamCtx.Done():
				return
			}
		}
	}(s.done)

	return out, nil
}

// Stop は HTTP 接続を閉じる
func (s *MJPEGSource) Stop() error {
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
func (s *MJPEGSource) Close() error {
	return s.Stop()
}

// Err は受信が失敗して終わったときの原因を返す
func (s *MJPEGSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MJPEGSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetControl は常に ErrControlUnsupported を返す
func (s *MJPEGSource) SetControl(name string, _ int) error {
	return fmt.Errorf("%w: %s は %s を持ちません", ErrControlUnsupported, s.Name(), name)
}
