package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/logger"
)

// PiperConfig Piper CLI 参数。
type PiperConfig struct {
	// Binary piper 可执行文件，默认从 PATH 查找。
	Binary     string
	ModelPath  string
	ConfigPath string
}

// PiperEngine 使用 piper CLI 子进程实现语音合成，结果先写入临时 WAV 文件再读回。
type PiperEngine struct {
	cfg PiperConfig
}

// NewPiperEngine 创建 Piper TTS 引擎。
func NewPiperEngine(cfg PiperConfig) *PiperEngine {
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.ConfigPath == "" && cfg.ModelPath != "" {
		cfg.ConfigPath = cfg.ModelPath + ".json"
	}
	return &PiperEngine{cfg: cfg}
}

// Check 确认模型和模型配置文件存在。
func (p *PiperEngine) Check() error {
	for _, path := range []string{p.cfg.ModelPath, p.cfg.ConfigPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("[tts] piper 模型文件不可用: %w", err)
		}
	}
	return nil
}

// Synthesize 调用 piper CLI 合成单声道 float32 音频。临时文件在任何情况下都会被删除。
func (p *PiperEngine) Synthesize(ctx context.Context, text string) ([]float32, int, error) {
	logger.Debugf("[tts] piper: 正在合成 %d 个字符，模型=%s", len([]rune(text)), p.cfg.ModelPath)

	tmp, err := os.CreateTemp("", "pispeak-piper-*.wav")
	if err != nil {
		return nil, 0, fmt.Errorf("[tts] piper 创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, p.cfg.Binary,
		"--model", p.cfg.ModelPath,
		"--config", p.cfg.ConfigPath,
		"--output_file", tmpPath,
	)
	cmd.Stdin = strings.NewReader(text)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			logger.Warnf("[tts] piper stderr: %s", s)
		}
		return nil, 0, fmt.Errorf("[tts] piper 执行失败: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, 0, fmt.Errorf("[tts] piper 读取输出失败: %w", err)
	}
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("[tts] piper: 未收到音频数据")
	}

	buf, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("[tts] piper 输出解析失败: %w", err)
	}
	buf = audio.ToChannels(buf, 1)

	logger.Debugf("[tts] piper: 生成 %d 个单声道样本，采样率 %d Hz", len(buf.Samples), buf.SampleRate)
	return buf.Samples, buf.SampleRate, nil
}
