// Package audiotest 提供内存中的假音频后端，用于在没有声卡的环境下测试设备选择和播放逻辑。
package audiotest

import (
	"context"
	"errors"
	"sync"

	"github.com/iabetor/pispeak/internal/audio"
)

// ErrInjected 是注入故障时返回的错误。
var ErrInjected = errors.New("audiotest: injected failure")

// Write 记录一次成功写入。
type Write struct {
	Device     string
	SampleRate int
	Channels   int
	Samples    int
}

// Backend 实现 audio.Backend。所有方法并发安全。
type Backend struct {
	mu         sync.Mutex
	devices    []audio.DeviceInfo
	enumErr    error
	openFails  map[string]int
	writeFails map[string]int
	opens      map[string]int
	enums      int
	writes     []Write
	gate       chan struct{}
	active     map[*stream]bool
}

// New 创建包含给定设备的假后端，第一个设备被标记为系统默认。
func New(names ...string) *Backend {
	b := &Backend{
		openFails:  make(map[string]int),
		writeFails: make(map[string]int),
		opens:      make(map[string]int),
		active:     make(map[*stream]bool),
	}
	for i, name := range names {
		b.devices = append(b.devices, audio.DeviceInfo{
			Index:       i,
			Name:        name,
			IsDefault:   i == 0,
			MaxChannels: 2,
			SampleRates: []int{0},
		})
	}
	return b
}

// SetDevices 替换设备列表。
func (b *Backend) SetDevices(devs []audio.DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devs
}

// SetEnumError 让 Devices 返回错误。
func (b *Backend) SetEnumError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumErr = err
}

// FailOpen 让设备接下来 n 次 Open 失败，n < 0 表示一直失败，0 表示恢复。
func (b *Backend) FailOpen(name string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openFails[name] = n
}

// FailWrite 让设备接下来 n 次 Write 失败，n < 0 表示一直失败，0 表示恢复。
func (b *Backend) FailWrite(name string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeFails[name] = n
}

// Hold 让之后的 Write 阻塞，直到调用返回的 release 函数或流被 Stop。
func (b *Backend) Hold() (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Opens 返回设备被打开的次数。
func (b *Backend) Opens(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[name]
}

// Enumerations 返回 Devices 被调用的次数。
func (b *Backend) Enumerations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enums
}

// Writes 返回所有成功写入的记录。
func (b *Backend) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Write, len(b.writes))
	copy(out, b.writes)
	return out
}

// ActiveStreams 返回尚未 Close 的流数量。
func (b *Backend) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enums++
	if b.enumErr != nil {
		return nil, b.enumErr
	}
	out := make([]audio.DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *Backend) Open(dev audio.DeviceInfo, sampleRate, channels int) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens[dev.Name]++
	if consume(b.openFails, dev.Name) {
		return nil, ErrInjected
	}
	s := &stream{
		b:          b,
		device:     dev.Name,
		sampleRate: sampleRate,
		channels:   channels,
		stopCh:     make(chan struct{}),
	}
	b.active[s] = true
	return s, nil
}

// consume 消耗一次故障计数，调用方需持有锁。
func consume(m map[string]int, name string) bool {
	n := m[name]
	switch {
	case n < 0:
		return true
	case n > 0:
		m[name] = n - 1
		return true
	}
	return false
}

type stream struct {
	b          *Backend
	device     string
	sampleRate int
	channels   int
	stopOnce   sync.Once
	stopCh     chan struct{}
}

func (s *stream) Write(ctx context.Context, samples []float32) error {
	s.b.mu.Lock()
	if consume(s.b.writeFails, s.device) {
		s.b.mu.Unlock()
		return ErrInjected
	}
	gate := s.b.gate
	s.b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-s.stopCh:
			return audio.ErrStreamStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-s.stopCh:
		return audio.ErrStreamStopped
	default:
	}

	s.b.mu.Lock()
	s.b.writes = append(s.b.writes, Write{
		Device:     s.device,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Samples:    len(samples),
	})
	s.b.mu.Unlock()
	return nil
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *stream) Close() error {
	s.Stop()
	s.b.mu.Lock()
	delete(s.b.active, s)
	s.b.mu.Unlock()
	return nil
}
