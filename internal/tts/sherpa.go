package tts

import (
	"context"
	"fmt"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/pispeak/internal/logger"
)

// SherpaConfig sherpa-onnx VITS 模型配置，可直接加载 Piper 导出的模型。
type SherpaConfig struct {
	ModelPath  string
	TokensPath string
	// DataDir espeak-ng 数据目录，Piper 模型需要。
	DataDir    string
	NumThreads int
	SpeakerID  int
	Speed      float32
}

// SherpaEngine 在进程内运行离线 VITS 模型，不依赖外部命令。
type SherpaEngine struct {
	mu    sync.Mutex
	tts   *sherpa.OfflineTts
	sid   int
	speed float32
}

// NewSherpaEngine 加载模型。
func NewSherpaEngine(cfg SherpaConfig) (*SherpaEngine, error) {
	if cfg.ModelPath == "" || cfg.TokensPath == "" {
		return nil, fmt.Errorf("[tts] sherpa 需要 model_path 和 tokens_path")
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}

	config := sherpa.OfflineTtsConfig{}
	config.Model.Vits.Model = cfg.ModelPath
	config.Model.Vits.Tokens = cfg.TokensPath
	config.Model.Vits.DataDir = cfg.DataDir
	config.Model.Vits.NoiseScale = 0.667
	config.Model.Vits.NoiseScaleW = 0.8
	config.Model.Vits.LengthScale = 1.0
	config.Model.NumThreads = cfg.NumThreads
	config.Model.Provider = "cpu"
	config.MaxNumSentences = 1

	t := sherpa.NewOfflineTts(&config)
	if t == nil {
		return nil, fmt.Errorf("[tts] 加载 sherpa 模型失败: %s", cfg.ModelPath)
	}

	logger.Infof("[tts] sherpa 引擎已加载: model=%s threads=%d sid=%d", cfg.ModelPath, cfg.NumThreads, cfg.SpeakerID)
	return &SherpaEngine{tts: t, sid: cfg.SpeakerID, speed: cfg.Speed}, nil
}

// Synthesize 合成单声道音频。模型推理不可中断，只在开始前检查 ctx。
func (e *SherpaEngine) Synthesize(ctx context.Context, text string) ([]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tts == nil {
		return nil, 0, fmt.Errorf("[tts] sherpa 引擎已关闭")
	}

	generated := e.tts.Generate(text, e.sid, e.speed)
	if generated == nil || len(generated.Samples) == 0 {
		return nil, 0, fmt.Errorf("[tts] sherpa: 未生成音频")
	}

	logger.Debugf("[tts] sherpa: 生成 %d 个样本，采样率 %d Hz", len(generated.Samples), generated.SampleRate)
	return generated.Samples, generated.SampleRate, nil
}

// Close 释放模型。
func (e *SherpaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tts != nil {
		sherpa.DeleteOfflineTts(e.tts)
		e.tts = nil
	}
}
