package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyAudio 表示缓冲区中没有可播放的样本。
var ErrEmptyAudio = errors.New("音频数据为空")

// Buffer 是解码后的 PCM 音频：交错排列的 float32 样本、采样率和声道数。
// 在合成 → 缓存 → 播放各阶段之间传递时转移所有权，需要共享时先 Clone。
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// NewBuffer 创建缓冲区，channels 为 0 时按单声道处理。
func NewBuffer(samples []float32, sampleRate, channels int) *Buffer {
	if channels <= 0 {
		channels = 1
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// Clone 返回一份独立的深拷贝。
func (b *Buffer) Clone() *Buffer {
	if b == nil {
		return nil
	}
	samples := make([]float32, len(b.Samples))
	copy(samples, b.Samples)
	return &Buffer{Samples: samples, SampleRate: b.SampleRate, Channels: b.Channels}
}

// Frames 返回帧数（每帧包含 Channels 个样本）。
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Duration 返回播放时长。
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Validate 播放前的解码检查。
func (b *Buffer) Validate() error {
	if b == nil || len(b.Samples) == 0 {
		return ErrEmptyAudio
	}
	if b.SampleRate <= 0 {
		return fmt.Errorf("无效的采样率: %d", b.SampleRate)
	}
	if b.Channels <= 0 || b.Channels > 2 {
		return fmt.Errorf("不支持的声道数: %d", b.Channels)
	}
	return nil
}

// Silence 生成指定时长的静音缓冲区，用于设备试写和保活。
func Silence(d time.Duration, sampleRate, channels int) *Buffer {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	if frames < 1 {
		frames = 1
	}
	return NewBuffer(make([]float32, frames*channels), sampleRate, channels)
}
