package server

import (
	"bytes"
	"image/jpeg"
	"sync"
	"time"

	"github.com/mattn/go-mjpeg"
	"go.uber.org/zap"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/pipeline"
)

// FrameSource は最新のプレビューフレームを提供する
type FrameSource interface {
	PreviewFrameBuffer() (camera.PreviewFrame, bool)
}

// Event は SSE で配信するイベント
type Event struct {
	Name string
	Data any
}

// Hub はカメラからの通知を受け取り、MJPEG プレビューとイベントに配信する
// camera.StreamHandler と camera.StateObserver を実装する
type Hub struct {
	logger   *zap.Logger
	quality  int
	interval time.Duration
	stream   *mjpeg.Stream

	notify chan struct{}

	// イベント購読者
	mu          sync.Mutex
	subscribers map[chan Event]struct{}

	// 制御用
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewHub は新しい Hub を作成する
func NewHub(cfg config.StreamConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	return &Hub{
		logger:      logger.Named("hub"),
		quality:     quality,
		interval:    cfg.Interval.Std(),
		stream:      mjpeg.NewStream(),
		notify:      make(chan struct{}, 1),
		subscribers: make(map[chan Event]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// OnNotifyFrameDecoded はストリーミングゴルーチンから呼ばれるため待たずに戻る
func (h *Hub) OnNotifyFrameDecoded() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// OnStateChanged は状態変化を state イベントとして配信する
func (h *Hub) OnStateChanged(oldState, newState pipeline.State) {
	h.Publish(Event{
		Name: "state",
		Data: map[string]string{
			"old": oldState.String(),
			"new": newState.String(),
		},
	})
}

// Start はプレビューのエンコードを開始する
func (h *Hub) Start(src FrameSource) {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.encodeLoop(src)
	})
}

// Close はエンコードを止め、接続中のクライアントを切断する
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()
		_ = h.stream.Close()

		h.mu.Lock()
		for ch := range h.subscribers {
			close(ch)
			delete(h.subscribers, ch)
		}
		h.mu.Unlock()
	})
}

// Stream は MJPEG ストリームを返す
func (h *Hub) Stream() *mjpeg.Stream {
	return h.stream
}

// Subscribe はイベントの購読を開始する
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.stopCh:
		close(ch)
	default:
		h.subscribers[ch] = struct{}{}
	}
	return ch
}

// Unsubscribe は購読を終了する
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Publish はイベントを全購読者に配信する
// 受信が追いつかない購読者へのイベントは捨てる
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("イベントを破棄しました", zap.String("event", ev.Name))
		}
	}
}

// encodeLoop は通知ごとに最新フレームを JPEG にして配信する
func (h *Hub) encodeLoop(src FrameSource) {
	defer h.wg.Done()

	var (
		last    time.Time
		lastSeq uint64
		buf     bytes.Buffer

		// 間隔内に届いた通知は間隔の経過後に処理する
		retry  *time.Timer
		retryC <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.notify:
		case <-retryC:
			retryC = nil
		}

		if h.interval > 0 {
			if wait := h.interval - time.Since(last); wait > 0 {
				if retryC == nil {
					if retry == nil {
						retry = time.NewTimer(wait)
					} else {
						retry.Reset(wait)
					}
					retryC = retry.C
				}
				continue
			}
		}

		frame, ok := src.PreviewFrameBuffer()
		if !ok || (frame.Sequence == lastSeq && !last.IsZero()) {
			continue
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: h.quality}); err != nil {
			h.logger.Warn("プレビューのエンコードに失敗", zap.Error(err))
			continue
		}

		// Update はバッファを保持するためコピーを渡す
		if err := h.stream.Update(bytes.Clone(buf.Bytes())); err != nil {
			return
		}
		last = time.Now()
		lastSeq = frame.Sequence
	}
}
