package audio

import (
	"context"
	"errors"
)

// ErrStreamStopped 表示输出流已被 Stop，挂起的写入被中断。
var ErrStreamStopped = errors.New("输出流已停止")

// DeviceInfo 描述一个可输出音频的设备及其能力。
type DeviceInfo struct {
	Index       int
	Name        string
	IsDefault   bool
	MaxChannels int
	SampleRates []int
	// Handle 是后端私有的设备标识（malgo 为 DeviceID）。
	Handle any
}

// SupportsRate 返回设备是否声明支持该采样率。未声明任何采样率时视为支持。
func (d DeviceInfo) SupportsRate(rate int) bool {
	if len(d.SampleRates) == 0 {
		return true
	}
	for _, r := range d.SampleRates {
		if r == rate || r == 0 {
			return true
		}
	}
	return false
}

// Stream 是一个已打开的输出流，同一时间只能被一个 goroutine 写入。
type Stream interface {
	// Write 写入一块交错样本，阻塞到数据被设备取走或 ctx 取消。
	Write(ctx context.Context, samples []float32) error
	// Stop 尽力静音并中断挂起的 Write。
	Stop() error
	// Close 释放流占用的设备。
	Close() error
}

// Backend 是音频后端：枚举设备、按指定格式打开输出流。
type Backend interface {
	Devices() ([]DeviceInfo, error)
	Open(dev DeviceInfo, sampleRate, channels int) (Stream, error)
}
