package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

const gstStatePollInterval = 10 * time.Millisecond

// gstTracker は GStreamer パイプラインの目標状態、バス上のエラー、フレーム番号を管理する
// ストリーミングスレッドが使う nextFrame はロックを取らない
type gstTracker struct {
	mu     sync.Mutex
	target State
	err    error

	seq   atomic.Uint64
	start atomic.Int64
}

func newGstTracker() *gstTracker {
	t := &gstTracker{target: StateNull}
	t.start.Store(time.Now().UnixNano())
	return t
}

// changeState は set で状態遷移を要求する
// set の実行中はロックを持たない（GStreamer はストリーミングスレッドの終了を待つことがある）
func (t *gstTracker) changeState(target State, set func() error, current func() State) (StateChangeReturn, error) {
	t.mu.Lock()
	prev := t.target
	t.err = nil
	t.mu.Unlock()

	if err := set(); err != nil {
		return StateChangeFailure, err
	}

	if target == StatePaused && prev < StatePaused {
		t.start.Store(time.Now().UnixNano())
		t.seq.Store(0)
	}

	t.mu.Lock()
	t.target = target
	t.mu.Unlock()

	if target >= StatePaused && current() != target {
		return StateChangeAsync, nil
	}
	return StateChangeSuccess, nil
}

// fail はバスに ERROR が流れたことを記録し、待機中の wait を失敗させる
func (t *gstTracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Err は最後の遷移要求以降に記録されたエラーを返す
func (t *gstTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// wait は目標状態への到達、エラー、タイムアウトのいずれかまで待つ
// timeout が負の場合は無期限に待つ
func (t *gstTracker) wait(current func() State, timeout time.Duration) (StateChangeReturn, State) {
	t.mu.Lock()
	target := t.target
	t.mu.Unlock()

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(gstStatePollInterval)
	defer ticker.Stop()

	for {
		state := current()
		if t.Err() != nil {
			return StateChangeFailure, state
		}
		if state == target {
			return StateChangeSuccess, state
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return StateChangeAsync, state
		}
	}
}

// nextFrame はフレーム番号とストリーム開始からの経過時間を返す
func (t *gstTracker) nextFrame() (uint64, time.Duration) {
	seq := t.seq.Add(1) - 1
	return seq, time.Since(time.Unix(0, t.start.Load()))
}
