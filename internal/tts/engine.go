package tts

import (
	"context"
	"fmt"

	"github.com/iabetor/pispeak/internal/config"
)

// Engine 定义语音合成后端接口。
type Engine interface {
	// Synthesize 将文本转换为音频。
	// 返回单声道 float32 音频样本、采样率（Hz）和错误。
	Synthesize(ctx context.Context, text string) ([]float32, int, error)
}

// NewEngine 根据配置创建语音合成引擎。
func NewEngine(cfg config.TTSConfig) (Engine, error) {
	switch cfg.Engine {
	case "", "piper":
		return NewPiperEngine(PiperConfig{
			Binary:     cfg.Piper.Binary,
			ModelPath:  cfg.Piper.ModelPath,
			ConfigPath: cfg.Piper.ConfigPath,
		}), nil
	case "sherpa":
		return NewSherpaEngine(SherpaConfig{
			ModelPath:  cfg.Sherpa.ModelPath,
			TokensPath: cfg.Sherpa.TokensPath,
			DataDir:    cfg.Sherpa.DataDir,
			NumThreads: cfg.Sherpa.NumThreads,
			SpeakerID:  cfg.Sherpa.SpeakerID,
			Speed:      cfg.Sherpa.Speed,
		})
	case "edge":
		return NewEdgeEngine(cfg.Edge.Voice), nil
	case "tencent":
		return NewTencentEngine(TencentConfig{
			SecretID:  cfg.Tencent.SecretID,
			SecretKey: cfg.Tencent.SecretKey,
			VoiceType: cfg.Tencent.VoiceType,
			Region:    cfg.Tencent.Region,
			Speed:     cfg.Tencent.Speed,
		})
	}
	return nil, fmt.Errorf("未知的 TTS 引擎: %s", cfg.Engine)
}
