package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/logger"
)

// DefaultMaxTextLength 默认单次合成的最大字符数。
const DefaultMaxTextLength = 1000

// Options 合成参数。
type Options struct {
	// MaxTextLength 清洗前截断的字符数。
	MaxTextLength int
	// SegmentLength 大于 0 时按句分段合成，每段不超过该字符数。
	SegmentLength int
}

// Synthesizer 在引擎外包一层文本清洗、分段和错误归类，不做重试。
type Synthesizer struct {
	engine  Engine
	maxLen  int
	segment int
}

// NewSynthesizer 创建合成器。
func NewSynthesizer(engine Engine, opts Options) *Synthesizer {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	return &Synthesizer{engine: engine, maxLen: opts.MaxTextLength, segment: opts.SegmentLength}
}

// MaxTextLength 返回允许的最大字符数。
func (s *Synthesizer) MaxTextLength() int {
	return s.maxLen
}

// Synthesize 清洗文本并调用引擎，返回单声道音频。
// 所有失败都包装为 ErrSynthesis。
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	clean, err := Sanitize(text, s.maxLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	start := time.Now()
	var buf *audio.Buffer
	for i, part := range segment(clean, s.segment) {
		samples, rate, err := s.engine.Synthesize(ctx, part)
		if err != nil {
			logger.Warnf("[tts] 第 %d 段合成失败: %v", i+1, err)
			return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
		}
		if buf == nil {
			buf = audio.NewBuffer(samples, rate, 1).Clone()
			continue
		}
		// 引擎对同一声音的输出采样率固定，这里仍做一次对齐
		next := audio.Resample(audio.NewBuffer(samples, rate, 1), buf.SampleRate)
		buf.Samples = append(buf.Samples, next.Samples...)
	}

	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	logger.Infof("[tts] 合成完成: %d 个字符 -> %.2fs 音频 (%d Hz)，耗时 %v",
		len([]rune(clean)), buf.Duration().Seconds(), buf.SampleRate, time.Since(start).Round(time.Millisecond))
	return buf, nil
}
