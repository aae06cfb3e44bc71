// Package playback 在独立的协程中把音频逐个写入当前输出设备，负责重试、暂停和停止。
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/device"
	"github.com/iabetor/pispeak/internal/logger"
)

var (
	// ErrPlaybackFailed 重试耗尽后仍未播放成功。
	ErrPlaybackFailed = errors.New("播放失败")
	// ErrStopped 提交在播放完成前被 Stop 丢弃或打断。
	ErrStopped = errors.New("播放已停止")
)

// DeviceSelector 是 Worker 对设备管理器的依赖。
type DeviceSelector interface {
	Select(ctx context.Context) (device.Device, error)
	Reset()
	Format() (sampleRate, channels int)
}

// Options 播放参数。
type Options struct {
	// MaxAttempts 每次提交的最大尝试次数。
	MaxAttempts int
	// Backoff 两次尝试之间的等待时间。
	Backoff time.Duration
	// ChunkFrames 每次写入的帧数，停止标志在块之间检查。
	ChunkFrames int
}

// Stats 播放统计。
type Stats struct {
	State     string `json:"state"`
	Paused    bool   `json:"paused"`
	Pending   int    `json:"pending"`
	Played    uint64 `json:"played"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Discarded uint64 `json:"discarded"`
}

type submission struct {
	buf  *audio.Buffer
	done chan error
	// stop 为提交时的停止信号，Stop 会关闭它。
	stop <-chan struct{}
}

// Worker 是唯一向设备写入音频的协程。
type Worker struct {
	devices DeviceSelector
	backend audio.Backend
	opts    Options
	sm      *StateMachine

	mu      sync.Mutex
	pending []*submission
	paused  bool
	stopCh  chan struct{}
	active  audio.Stream
	stats   Stats
	wake    chan struct{}
}

// NewWorker 创建播放协程，需调用 Run 启动。
func NewWorker(devices DeviceSelector, backend audio.Backend, opts Options) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 1024
	}
	return &Worker{
		devices: devices,
		backend: backend,
		opts:    opts,
		sm:      NewStateMachine(),
		stopCh:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Submit 提交一段音频。返回的通道在播放结束后收到一个结果（nil 表示成功）然后关闭。
func (w *Worker) Submit(buf *audio.Buffer) <-chan error {
	done := make(chan error, 1)
	if err := buf.Validate(); err != nil {
		done <- fmt.Errorf("%w: %w", ErrPlaybackFailed, err)
		close(done)
		return done
	}

	w.mu.Lock()
	w.pending = append(w.pending, &submission{buf: buf, done: done, stop: w.stopCh})
	w.mu.Unlock()
	w.signal()
	return done
}

// Run 处理提交直到 ctx 取消，取消时尚未处理的提交收到 ctx 的错误。
func (w *Worker) Run(ctx context.Context) {
	logger.Info("[playback] 播放协程已启动")
	defer logger.Info("[playback] 播放协程已退出")

	for {
		sub, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				w.discard(ctx.Err())
				return
			case <-w.wake:
			}
			continue
		}

		err := w.play(ctx, sub)
		w.mu.Lock()
		switch {
		case err == nil:
			w.stats.Played++
		case errors.Is(err, ErrStopped):
			w.stats.Discarded++
		default:
			w.stats.Failed++
		}
		w.mu.Unlock()

		sub.done <- err
		close(sub.done)
	}
}

// next 取出下一个提交，暂停时不取。
func (w *Worker) next() (*submission, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused || len(w.pending) == 0 {
		return nil, false
	}
	sub := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	return sub, true
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pause 暂停：正在播放的音频继续播完，之后不再开始新的提交。
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		logger.Info("[playback] 已暂停")
	}
}

// Resume 恢复处理。
func (w *Worker) Resume() {
	w.mu.Lock()
	was := w.paused
	w.paused = false
	w.mu.Unlock()
	if was {
		logger.Info("[playback] 已恢复")
	}
	w.signal()
}

// Paused 返回是否处于暂停状态。
func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Stop 丢弃所有待处理的提交并打断正在播放的音频。协程继续运行，可以接收新的提交。
func (w *Worker) Stop() {
	w.mu.Lock()
	close(w.stopCh)
	w.stopCh = make(chan struct{})
	pending := w.pending
	w.pending = nil
	w.stats.Discarded += uint64(len(pending))
	active := w.active
	w.mu.Unlock()

	for _, sub := range pending {
		sub.done <- ErrStopped
		close(sub.done)
	}
	if active != nil {
		if err := active.Stop(); err != nil {
			logger.Warnf("[playback] 停止输出流失败: %v", err)
		}
	}
	logger.Infof("[playback] 已停止，丢弃 %d 个待播放提交", len(pending))
}

// State 返回当前状态。
func (w *Worker) State() State {
	return w.sm.Current()
}

// Stats 返回统计快照。
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.State = w.sm.Current().String()
	s.Paused = w.paused
	s.Pending = len(w.pending)
	return s
}

func (w *Worker) discard(cause error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, sub := range pending {
		sub.done <- cause
		close(sub.done)
	}
}

// play 播放一次提交，失败时重置设备并在退避后用新选择的设备重试。
func (w *Worker) play(ctx context.Context, sub *submission) error {
	defer w.sm.ForceIdle()

	rate, channels := w.devices.Format()
	buf := audio.Prepare(sub.buf, rate, channels)

	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if stopped(sub.stop) {
			return ErrStopped
		}

		err := w.playOnce(ctx, sub, buf)
		if err == nil {
			logger.Debugf("[playback] 播放完成 (%.2fs)", buf.Duration().Seconds())
			return nil
		}
		if errors.Is(err, ErrStopped) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = err
		w.sm.Transition(StateFailed)
		logger.Warnf("[playback] 第 %d/%d 次播放失败: %v", attempt, w.opts.MaxAttempts, err)
		w.devices.Reset()

		if attempt == w.opts.MaxAttempts {
			break
		}
		w.mu.Lock()
		w.stats.Retries++
		w.mu.Unlock()

		timer := time.NewTimer(w.opts.Backoff)
		select {
		case <-timer.C:
		case <-sub.stop:
			timer.Stop()
			return ErrStopped
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	logger.Errorf("[playback] 重试 %d 次后仍失败: %v", w.opts.MaxAttempts, lastErr)
	return fmt.Errorf("%w: %w", ErrPlaybackFailed, lastErr)
}

// playOnce 选择设备、打开新的输出流并分块写入。
func (w *Worker) playOnce(ctx context.Context, sub *submission, buf *audio.Buffer) error {
	w.sm.Transition(StateLoading)

	dev, err := w.devices.Select(ctx)
	if err != nil {
		return err
	}

	rate, channels := w.devices.Format()
	stream, err := w.backend.Open(dev.DeviceInfo, rate, channels)
	if err != nil {
		return fmt.Errorf("打开输出流失败: %w", err)
	}

	w.mu.Lock()
	if stopped(sub.stop) {
		w.mu.Unlock()
		stream.Close()
		return ErrStopped
	}
	w.active = stream
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.active = nil
		w.mu.Unlock()
		if err := stream.Close(); err != nil {
			logger.Debugf("[playback] 关闭输出流: %v", err)
		}
	}()

	w.sm.Transition(StatePlaying)

	step := w.opts.ChunkFrames * channels
	samples := buf.Samples
	for off := 0; off < len(samples); off += step {
		if stopped(sub.stop) {
			return ErrStopped
		}
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		if err := stream.Write(ctx, samples[off:end]); err != nil {
			if stopped(sub.stop) {
				return ErrStopped
			}
			return fmt.Errorf("写入设备 %s 失败: %w", dev.Name, err)
		}
	}
	return nil
}

func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
