package server

import (
	"image"
	"sync"
	"testing"
	"time"

	"hitomi/internal/camera"
	"hitomi/internal/config"
)

// stubFrameSource は設定されたフレームを返し、読まれたフレーム番号を記録する
type stubFrameSource struct {
	mu    sync.Mutex
	frame camera.PreviewFrame
	reads []uint64
}

func (s *stubFrameSource) setFrame(seq uint64) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = camera.PreviewFrame{Pix: img.Pix, Width: 8, Height: 8, Stride: img.Stride, Sequence: seq}
}

func (s *stubFrameSource) PreviewFrameBuffer() (camera.PreviewFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, s.frame.Sequence)
	return s.frame, true
}

func (s *stubFrameSource) readSequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.reads...)
}

func TestHub_NotifyWithinInterval(t *testing.T) {
	const interval = 100 * time.Millisecond

	hub := NewHub(config.StreamConfig{Enabled: true, Quality: 50, Interval: config.Duration(interval)}, nil)
	defer hub.Close()

	src := &stubFrameSource{}
	src.setFrame(0)
	hub.Start(src)

	hub.OnNotifyFrameDecoded()
	time.Sleep(20 * time.Millisecond)

	// 間隔内に届いた最後のフレーム（PAUSED 直前など）も配信される
	src.setFrame(1)
	hub.OnNotifyFrameDecoded()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		reads := src.readSequences()
		if len(reads) > 0 && reads[len(reads)-1] == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("間隔経過後にフレーム 1 が読まれません: %v", src.readSequences())
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(config.StreamConfig{}, nil)

	ch := hub.Subscribe()
	hub.Publish(Event{Name: "captured", Data: "a.jpg"})

	select {
	case ev := <-ch:
		if ev.Name != "captured" {
			t.Errorf("got %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("イベントが届きません")
	}

	hub.Unsubscribe(ch)
	hub.Close()
	hub.Close()
}
