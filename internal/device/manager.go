package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/logger"
)

// ErrNoDeviceAvailable 表示没有任何设备通过试写。
var ErrNoDeviceAvailable = errors.New("没有可用的音频输出设备")

// trialGrace 是试写超时在静音时长之外额外留出的时间。
const trialGrace = 2 * time.Second

// Device 是被选中的输出设备。Verified 只有在试写成功后才为 true。
type Device struct {
	audio.DeviceInfo
	Verified   bool
	SelectedAt time.Time
}

// Options 设备选择参数。
type Options struct {
	// PreferredA / PreferredB 为设备名关键字，不区分大小写。
	PreferredA []string
	PreferredB []string
	// TTL 选择结果的有效期，期内直接返回缓存。
	TTL time.Duration
	// TrialDuration 试写静音的时长。
	TrialDuration time.Duration
	SampleRate    int
	Channels      int
}

// Manager 负责发现、试写、选择输出设备，并缓存选择结果。
// 选中的设备是进程内唯一的“当前设备”，只能通过 Reset 或重新选择改变。
type Manager struct {
	backend audio.Backend
	opts    Options
	now     func() time.Time

	// selectMu 保证同一时刻只有一次枚举和试写，mu 只保护 current，试写期间不持有。
	selectMu sync.Mutex
	mu       sync.Mutex
	current  *Device
}

// NewManager 创建设备管理器。
func NewManager(backend audio.Backend, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.TrialDuration <= 0 {
		opts.TrialDuration = 100 * time.Millisecond
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	return &Manager{
		backend: backend,
		opts:    opts,
		now:     time.Now,
	}
}

// Select 返回当前可用的设备。缓存有效时不重新枚举；
// 否则按 A 类 → B 类 → 系统默认 → 其余设备的顺序逐个试写，第一个成功的胜出。
func (m *Manager) Select(ctx context.Context) (Device, error) {
	if dev, ok := m.fresh(); ok {
		return dev, nil
	}

	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	// 等待期间可能已有其他调用完成了选择
	if dev, ok := m.fresh(); ok {
		return dev, nil
	}
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	devices, err := m.backend.Devices()
	if err != nil {
		return Device{}, fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
	}

	candidates := Order(devices, m.opts.PreferredA, m.opts.PreferredB)
	if len(candidates) == 0 {
		logger.Warn("[device] 未发现任何输出设备")
		return Device{}, ErrNoDeviceAvailable
	}

	for _, info := range candidates {
		if err := ctx.Err(); err != nil {
			return Device{}, err
		}
		if !info.SupportsRate(m.opts.SampleRate) {
			// 未声明该采样率的设备仍然试写，由 miniaudio 负责转换
			logger.Debugf("[device] %s 未声明支持 %d Hz", info.Name, m.opts.SampleRate)
		}
		if err := m.trial(ctx, info); err != nil {
			logger.Warnf("[device] 设备试写失败，尝试下一个: %s (#%d): %v", info.Name, info.Index, err)
			continue
		}

		dev := Device{
			DeviceInfo: info,
			Verified:   true,
			SelectedAt: m.now(),
		}
		m.mu.Lock()
		m.current = &dev
		m.mu.Unlock()
		logger.Infof("[device] 已选择输出设备: %s (#%d, default=%v)", info.Name, info.Index, info.IsDefault)
		return dev, nil
	}

	logger.Errorf("[device] %d 个候选设备全部试写失败", len(candidates))
	return Device{}, ErrNoDeviceAvailable
}

// Reset 清除缓存的选择结果，下次 Select 会重新枚举。
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		logger.Infof("[device] 重置输出设备: %s", m.current.Name)
	}
	m.current = nil
}

// IsStale 返回缓存是否为空或已过期。
func (m *Manager) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleLocked()
}

// Current 返回缓存中的设备（可能已过期）。
func (m *Manager) Current() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Device{}, false
	}
	return *m.current, true
}

// Format 返回打开输出流时使用的采样率和声道数。
func (m *Manager) Format() (sampleRate, channels int) {
	return m.opts.SampleRate, m.opts.Channels
}

// fresh 返回未过期的缓存设备。
func (m *Manager) fresh() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked() {
		return Device{}, false
	}
	return *m.current, true
}

func (m *Manager) staleLocked() bool {
	return m.current == nil || m.now().Sub(m.current.SelectedAt) >= m.opts.TTL
}

// trial 打开一个新的输出流写入一小段静音后关闭。
func (m *Manager) trial(ctx context.Context, info audio.DeviceInfo) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.TrialDuration+trialGrace)
	defer cancel()

	stream, err := m.backend.Open(info, m.opts.SampleRate, m.opts.Channels)
	if err != nil {
		return err
	}
	defer stream.Close()

	silence := audio.Silence(m.opts.TrialDuration, m.opts.SampleRate, m.opts.Channels)
	return stream.Write(ctx, silence.Samples)
}

// Order 按偏好排序候选设备：
// 名称匹配 A 类 → 名称匹配 B 类 → 系统默认 → 其余（按索引）。
// 后端只枚举播放设备，因此这里不再按输出能力过滤。
func Order(devices []audio.DeviceInfo, preferredA, preferredB []string) []audio.DeviceInfo {
	rank := func(d audio.DeviceInfo) int {
		switch {
		case matches(d.Name, preferredA):
			return 0
		case matches(d.Name, preferredB):
			return 1
		case d.IsDefault:
			return 2
		}
		return 3
	}

	out := make([]audio.DeviceInfo, len(devices))
	copy(out, devices)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func matches(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
