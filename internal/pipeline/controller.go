// Package pipeline 把请求队列、合成缓存、语音合成和播放协程串联成一条处理流水线。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/cache"
	"github.com/iabetor/pispeak/internal/device"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/playback"
	"github.com/iabetor/pispeak/internal/queue"
)

// Synthesizer 把文本合成为音频。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*audio.Buffer, error)
}

// Player 是播放协程的控制面。
type Player interface {
	Run(ctx context.Context)
	Submit(buf *audio.Buffer) <-chan error
	Pause()
	Resume()
	Stop()
	Stats() playback.Stats
}

// DeviceReporter 提供当前设备信息，用于状态查询。
type DeviceReporter interface {
	Current() (device.Device, bool)
}

// Deps 流水线依赖的组件。Cache 和 Devices 可以为空。
type Deps struct {
	Queue       *queue.Queue
	Synthesizer Synthesizer
	Player      Player
	Cache       *cache.SynthesisCache
	Devices     DeviceReporter
}

// Options 流水线行为开关。
type Options struct {
	// DequeueWait 队列为空时每次等待的时长。
	DequeueWait time.Duration
	// HeartbeatInterval 保活静音的间隔，0 表示关闭。
	HeartbeatInterval time.Duration
	// HeartbeatDuration 每次保活静音的时长。
	HeartbeatDuration time.Duration
}

// Status 流水线整体状态。
type Status struct {
	Paused          bool           `json:"paused"`
	Processing      string         `json:"processing,omitempty"`
	PriorityPending int            `json:"priority_pending"`
	RegularPending  int            `json:"regular_pending"`
	Device          string         `json:"device,omitempty"`
	DeviceVerified  bool           `json:"device_verified"`
	Playback        playback.Stats `json:"playback"`
	Cache           *cache.Stats   `json:"cache,omitempty"`
	Items           []queue.Item   `json:"items"`
}

// Controller 是主编排器。处理循环同一时刻只处理一个任务。
type Controller struct {
	q       *queue.Queue
	synth   Synthesizer
	player  Player
	cache   *cache.SynthesisCache
	devices DeviceReporter
	opts    Options

	mu      sync.Mutex
	paused  bool
	stopGen uint64
	wake    chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running chan struct{}
}

// New 创建流水线控制器。
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Queue == nil || deps.Synthesizer == nil || deps.Player == nil {
		return nil, errors.New("流水线缺少必需的组件")
	}
	if opts.DequeueWait <= 0 {
		opts.DequeueWait = 100 * time.Millisecond
	}
	if opts.HeartbeatDuration <= 0 {
		opts.HeartbeatDuration = 200 * time.Millisecond
	}
	return &Controller{
		q:       deps.Queue,
		synth:   deps.Synthesizer,
		player:  deps.Player,
		cache:   deps.Cache,
		devices: deps.Devices,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Enqueue 提交文本请求，返回任务 ID。
func (c *Controller) Enqueue(text string, priority bool) (string, error) {
	it, err := c.q.Enqueue(text, priority)
	if err != nil {
		return "", err
	}
	logger.Infof("[pipeline] 新任务 %s (priority=%v, %d 个字符)", it.ID, priority, len([]rune(text)))
	return it.ID, nil
}

// EnqueueAudio 提交预先渲染好的音频，跳过合成。
func (c *Controller) EnqueueAudio(buf *audio.Buffer, priority bool) (string, error) {
	it, err := c.q.EnqueueAudio(buf, priority)
	if err != nil {
		return "", err
	}
	logger.Infof("[pipeline] 新音频任务 %s (priority=%v, %.2fs)", it.ID, priority, buf.Duration().Seconds())
	return it.ID, nil
}

// Speak 提交文本并等待播放结束。
func (c *Controller) Speak(ctx context.Context, text string, priority bool) (queue.Item, error) {
	id, err := c.Enqueue(text, priority)
	if err != nil {
		return queue.Item{}, err
	}
	it, err := c.q.Wait(ctx, id)
	if err != nil {
		return it, err
	}
	if it.Status == queue.StatusFailed {
		return it, fmt.Errorf("任务 %s 失败: %s", id, it.Error)
	}
	return it, nil
}

// ItemStatus 返回单个任务的状态。
func (c *Controller) ItemStatus(id string) (queue.Item, error) {
	return c.q.Status(id)
}

// Status 返回流水线整体状态。
func (c *Controller) Status() Status {
	snap := c.q.Snapshot()
	s := Status{
		Paused:          c.Paused(),
		Processing:      snap.Processing,
		PriorityPending: snap.PriorityPending,
		RegularPending:  snap.RegularPending,
		Playback:        c.player.Stats(),
		Items:           snap.Items,
	}
	if c.devices != nil {
		if dev, ok := c.devices.Current(); ok {
			s.Device = dev.Name
			s.DeviceVerified = dev.Verified
		}
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Pause 暂停：当前音频播完后不再取新任务。
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.player.Pause()
	logger.Info("[pipeline] 已暂停")
}

// Resume 恢复处理。
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.player.Resume()
	c.signal()
	logger.Info("[pipeline] 已恢复")
}

// Paused 返回是否处于暂停状态。
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stop 清空队列和全部记录，并打断正在播放的音频。暂停状态保持不变。
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopGen++
	dropped := c.q.Clear()
	c.player.Stop()
	c.mu.Unlock()
	logger.Infof("[pipeline] 已停止，丢弃 %d 个待处理任务", dropped)
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run 启动播放协程、处理循环和保活循环，阻塞直到 ctx 取消或调用 Close。
func (c *Controller) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running != nil {
		c.runMu.Unlock()
		return errors.New("流水线已在运行")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	running := make(chan struct{})
	c.running = running
	c.runMu.Unlock()

	defer func() {
		cancel()
		close(running)
		c.runMu.Lock()
		c.running = nil
		c.cancel = nil
		c.runMu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.player.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeat(ctx)
	}()

	logger.Info("[pipeline] 已启动")
	c.loop(ctx)
	wg.Wait()
	logger.Info("[pipeline] 已退出")
	return ctx.Err()
}

// Close 停止播放并结束 Run。
func (c *Controller) Close() {
	c.Stop()

	c.runMu.Lock()
	cancel, running := c.cancel, c.running
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-running
	}
}

func (c *Controller) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if c.Paused() {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			case <-time.After(c.opts.DequeueWait):
			}
			continue
		}

		it, ok := c.q.DequeueNext(ctx, c.opts.DequeueWait)
		if !ok {
			continue
		}

		c.mu.Lock()
		gen := c.stopGen
		c.mu.Unlock()

		c.process(ctx, it, gen)
		c.q.Prune()
	}
}

// process 处理一个任务，panic 只影响当前任务。
func (c *Controller) process(ctx context.Context, it queue.Item, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[pipeline] 处理任务 %s 时 panic: %v\n%s", it.ID, r, debug.Stack())
			c.finish(it.ID, fmt.Errorf("内部错误: %v", r))
		}
	}()

	if err := c.q.MarkProcessing(it.ID); err != nil {
		logger.Warnf("[pipeline] 无法开始任务 %s: %v", it.ID, err)
		return
	}
	start := time.Now()

	buf := it.Audio
	if buf == nil {
		var err error
		buf, err = c.synthesize(ctx, it.Text)
		if err != nil {
			logger.Errorf("[pipeline] 任务 %s 合成失败: %v", it.ID, err)
			c.finish(it.ID, err)
			return
		}
	}

	done, ok := c.submit(buf, gen)
	if !ok {
		logger.Debugf("[pipeline] 任务 %s 在播放前被停止", it.ID)
		return
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		logger.Errorf("[pipeline] 任务 %s 播放失败: %v", it.ID, err)
	} else {
		logger.Infof("[pipeline] 任务 %s 完成，耗时 %v", it.ID, time.Since(start).Round(time.Millisecond))
	}
	c.finish(it.ID, err)
}

// submit 在停止代数未变化时提交音频。与 Stop 互斥，避免被清除的任务继续播放。
func (c *Controller) submit(buf *audio.Buffer, gen uint64) (<-chan error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopGen != gen {
		return nil, false
	}
	return c.player.Submit(buf), true
}

func (c *Controller) synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	if c.cache == nil {
		return c.synth.Synthesize(ctx, text)
	}
	return c.cache.GetOrSynthesize(ctx, text, func(ctx context.Context) (*audio.Buffer, error) {
		return c.synth.Synthesize(ctx, text)
	})
}

func (c *Controller) finish(id string, cause error) {
	var err error
	if cause == nil {
		err = c.q.MarkCompleted(id)
	} else {
		err = c.q.MarkFailed(id, cause)
	}
	if errors.Is(err, queue.ErrNotFound) {
		// 任务已被 Stop 清除
		return
	}
	if err != nil {
		logger.Warnf("[pipeline] 更新任务 %s 状态失败: %v", id, err)
	}
}

// heartbeat 定期在空闲时播放一小段静音，防止输出设备进入休眠。
func (c *Controller) heartbeat(ctx context.Context) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.Paused() || !c.q.Idle() || c.player.Stats().Pending > 0 {
			continue
		}

		silence := audio.Silence(c.opts.HeartbeatDuration, 16000, 1)
		select {
		case err := <-c.player.Submit(silence):
			if err != nil {
				logger.Warnf("[pipeline] 保活失败: %v", err)
			} else {
				logger.Debug("[pipeline] 保活完成")
			}
		case <-ctx.Done():
			return
		}
	}
}
