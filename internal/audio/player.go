package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/iabetor/pispeak/internal/logger"
)

// MalgoBackend 使用 malgo (miniaudio) 枚举播放设备并打开输出流。
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	mu     sync.Mutex
	closed bool
}

// NewMalgoBackend 初始化 miniaudio 上下文。
func NewMalgoBackend() (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debugf("[audio] miniaudio: %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("初始化播放上下文失败: %w", err)
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Devices 枚举所有播放设备，并尽量查询每个设备支持的声道数和采样率。
func (b *MalgoBackend) Devices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("音频后端已关闭")
	}

	infos, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("枚举播放设备失败: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		dev := DeviceInfo{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
			Handle:    info.ID,
		}

		// 能力查询失败不影响设备本身被列出，试写时再验证
		full, err := b.ctx.DeviceInfo(malgo.Playback, info.ID, malgo.Shared)
		if err != nil {
			logger.Debugf("[audio] 查询设备能力失败 %s: %v", dev.Name, err)
		} else {
			for _, f := range full.Formats[:full.FormatCount] {
				if int(f.Channels) > dev.MaxChannels {
					dev.MaxChannels = int(f.Channels)
				}
				dev.SampleRates = append(dev.SampleRates, int(f.SampleRate))
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Open 在指定设备上以 S16 格式打开输出流并立即启动，没有数据时输出静音。
func (b *MalgoBackend) Open(dev DeviceInfo, sampleRate, channels int) (Stream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("音频后端已关闭")
	}
	b.mu.Unlock()

	s := &malgoStream{
		channels: channels,
		stopCh:   make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInFrames = 512
	deviceConfig.Periods = 2
	if id, ok := dev.Handle.(malgo.DeviceID); ok {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化播放设备 %s 失败: %w", dev.Name, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("启动播放设备 %s 失败: %w", dev.Name, err)
	}
	s.device = device
	s.running = true
	return s, nil
}

// Close 释放 miniaudio 上下文。
func (b *MalgoBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	if b.ctx != nil {
		_ = b.ctx.Uninit()
		b.ctx.Free()
		b.ctx = nil
	}
}

// outputDevice 是 malgoStream 用到的设备操作，*malgo.Device 实现了它。
type outputDevice interface {
	Stop() error
	Uninit()
}

// malgoStream 通过数据回调把 Write 提交的 PCM 送入设备。
type malgoStream struct {
	channels int

	// devMu 保护 device 的生命周期。不能用 mu：设备 Stop 会等待数据回调返回，而回调要拿 mu。
	devMu   sync.Mutex
	device  outputDevice
	running bool

	mu       sync.Mutex
	pending  []byte
	pos      int
	drained  chan struct{}
	flushed  bool
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// onData 运行在 miniaudio 的音频线程上，不能阻塞。
func (s *malgoStream) onData(outputSamples, inputSamples []byte, frameCount uint32) {
	bytesNeeded := int(frameCount) * s.channels * 2 // 每个 int16 采样点 2 字节
	if bytesNeeded > len(outputSamples) {
		bytesNeeded = len(outputSamples)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if !s.stopped && s.pos < len(s.pending) {
		n = copy(outputSamples[:bytesNeeded], s.pending[s.pos:])
		s.pos += n
	}
	// 数据不够时剩余部分填零
	for i := n; i < bytesNeeded; i++ {
		outputSamples[i] = 0
	}

	// 最后一段数据拷出后要再等一次回调才算播完，否则紧接着 Close 会截掉尾音
	if s.drained != nil && s.pos >= len(s.pending) {
		if n > 0 || !s.flushed {
			s.flushed = true
			return
		}
		close(s.drained)
		s.drained = nil
	}
}

func (s *malgoStream) Write(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamStopped
	}
	s.pending = Float32ToBytes(samples)
	s.pos = 0
	s.flushed = false
	s.drained = done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-s.stopCh:
		return ErrStreamStopped
	case <-ctx.Done():
		s.mu.Lock()
		s.pending = nil
		s.drained = nil
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *malgoStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.pending = nil
		s.drained = nil
		s.mu.Unlock()
		close(s.stopCh)
	})

	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.device == nil || !s.running {
		return nil
	}
	s.running = false
	return s.device.Stop()
}

func (s *malgoStream) Close() error {
	err := s.Stop()

	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return err
}
