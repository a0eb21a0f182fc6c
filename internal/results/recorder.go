package results

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/race-coordinator/internal/race"
)

// Recorder 非同步成績記錄器
//
// 系統設計考量：
//
//  1. 不阻塞分派迴圈：
//     Record 只把快照放進緩衝 channel，真正的網路 I/O 在背景 worker 執行。
//     分派迴圈持有的是單執行緒的房間狀態，絕不能等 Redis 或 NATS。
//
//  2. 背壓：
//     佇列滿時丟棄並記錄 warn，成績記錄是盡力而為。
//
//  3. 關閉：
//     Close 關閉佇列，worker 把剩下的成績送完才結束。
type Recorder struct {
	sinks   []Sink
	queue   chan Result
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder 創建成績記錄器並啟動 worker
func NewRecorder(logger *slog.Logger, timeout time.Duration, buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Result, buffer),
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record 排入已結束房間的成績，佇列已滿或已關閉時回傳 false
func (r *Recorder) Record(room race.Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	res := FromRoom(room, r.now())
	select {
	case r.queue <- res:
		return true
	default:
		r.logger.Warn("成績佇列已滿，丟棄",
			"room_id", room.ID,
			"queue_size", cap(r.queue))
		return false
	}
}

// Close 停止接收並等待佇列清空
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("成績記錄器已停止")
}

// worker 後台 goroutine，逐一送出成績
func (r *Recorder) worker() {
	defer r.wg.Done()

	for res := range r.queue {
		r.publish(res)
	}
}

func (r *Recorder) publish(res Result) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := sink.Publish(ctx, res)
		cancel()

		if err != nil {
			r.logger.Error("成績輸出失敗",
				"sink", sink.Name(),
				"room_id", res.RoomID,
				"error", err)
			continue
		}

		r.logger.Debug("成績已輸出",
			"sink", sink.Name(),
			"room_id", res.RoomID,
			"standings", len(res.Standings))
	}
}
