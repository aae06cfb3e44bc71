package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 pispeak 的顶层配置结构。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Device    DeviceConfig    `yaml:"device"`
	TTS       TTSConfig       `yaml:"tts"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 接口配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit 每秒允许的请求数，Burst 为突发上限。
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// Token 不为空时要求 Authorization: Bearer <token>。
	Token string `yaml:"token"`
}

// AudioConfig 播放输出格式配置。
type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	Channels    int `yaml:"channels"`
	ChunkFrames int `yaml:"chunk_frames"`
}

// DeviceConfig 输出设备选择配置。
type DeviceConfig struct {
	// PreferredA / PreferredB 为设备名匹配关键字（不区分大小写），
	// 按 A → B → 系统默认 → 其余设备的顺序尝试。
	PreferredA []string `yaml:"preferred_a"`
	PreferredB []string `yaml:"preferred_b"`
	TTLSeconds int      `yaml:"ttl_seconds"`
	TrialMs    int      `yaml:"trial_ms"`
}

// TTSConfig 语音合成配置。
type TTSConfig struct {
	Engine        string `yaml:"engine"`
	MaxTextLength int    `yaml:"max_text_length"`
	// SegmentLength 大于 0 时按句切分长文本，每段不超过该字符数，分段合成后拼接。
	SegmentLength int           `yaml:"segment_length"`
	Piper         PiperConfig   `yaml:"piper"`
	Sherpa        SherpaConfig  `yaml:"sherpa"`
	Edge          EdgeConfig    `yaml:"edge"`
	Tencent       TencentConfig `yaml:"tencent"`
}

// PiperConfig Piper CLI 配置。
type PiperConfig struct {
	Binary     string `yaml:"binary"`
	ModelPath  string `yaml:"model_path"`
	ConfigPath string `yaml:"config_path"`
}

// SherpaConfig sherpa-onnx 离线 VITS（Piper 导出）模型配置。
type SherpaConfig struct {
	ModelPath  string  `yaml:"model_path"`
	TokensPath string  `yaml:"tokens_path"`
	DataDir    string  `yaml:"data_dir"`
	NumThreads int     `yaml:"num_threads"`
	SpeakerID  int     `yaml:"speaker_id"`
	Speed      float32 `yaml:"speed"`
}

// EdgeConfig Edge TTS 配置。
type EdgeConfig struct {
	Voice string `yaml:"voice"`
}

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID  string  `yaml:"secret_id"`
	SecretKey string  `yaml:"secret_key"`
	VoiceType int64   `yaml:"voice_type"`
	Region    string  `yaml:"region"`
	Speed     float64 `yaml:"speed"`
}

// CacheConfig 合成结果缓存配置。
type CacheConfig struct {
	// Disabled 为 true 时每次都重新合成。
	Disabled bool `yaml:"disabled"`
	Size     int  `yaml:"size"`
}

// QueueConfig 请求队列配置。
type QueueConfig struct {
	LaneCapacity int `yaml:"lane_capacity"`
	// WaitMs 两条队列都为空时 DequeueNext 的最长等待时间。
	WaitMs int `yaml:"wait_ms"`
	// RetentionMinutes 已完成/失败的任务记录保留时长。
	RetentionMinutes int `yaml:"retention_minutes"`
}

// PlaybackConfig 播放重试配置。
type PlaybackConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms"`
}

// HeartbeatConfig 保活静音配置。
type HeartbeatConfig struct {
	// Disabled 为 true 时不播放保活静音。
	Disabled        bool `yaml:"disabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	DurationMs      int  `yaml:"duration_ms"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// 支持的合成引擎名称。
var engines = map[string]bool{
	"piper":   true,
	"sherpa":  true,
	"edge":    true,
	"tencent": true,
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，填充默认值并校验。
func Parse(data []byte) (*Config, error) {
	// 展开环境变量，如 ${PISPEAK_TENCENT_SECRET_KEY}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回全部使用默认值的配置。
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate 检查配置值是否合法。
func (c *Config) Validate() error {
	if !engines[c.TTS.Engine] {
		return fmt.Errorf("未知的 TTS 引擎: %s", c.TTS.Engine)
	}
	checks := []struct {
		name  string
		value int
	}{
		{"audio.sample_rate", c.Audio.SampleRate},
		{"audio.channels", c.Audio.Channels},
		{"audio.chunk_frames", c.Audio.ChunkFrames},
		{"tts.max_text_length", c.TTS.MaxTextLength},
		{"cache.size", c.Cache.Size},
		{"queue.lane_capacity", c.Queue.LaneCapacity},
		{"playback.max_attempts", c.Playback.MaxAttempts},
	}
	for _, ch := range checks {
		if ch.value <= 0 {
			return fmt.Errorf("%s 必须大于 0，当前为 %d", ch.name, ch.value)
		}
	}
	if c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels 仅支持 1 或 2，当前为 %d", c.Audio.Channels)
	}
	if c.TTS.SegmentLength < 0 {
		return fmt.Errorf("tts.segment_length 不能为负数")
	}
	if c.Playback.BackoffMs < 0 || c.Queue.WaitMs < 0 || c.Queue.RetentionMinutes < 0 {
		return fmt.Errorf("时间配置不能为负数")
	}
	return nil
}

// DeviceTTL 设备选择结果的缓存时长。
func (c *Config) DeviceTTL() time.Duration {
	return time.Duration(c.Device.TTLSeconds) * time.Second
}

// TrialDuration 试写静音的时长。
func (c *Config) TrialDuration() time.Duration {
	return time.Duration(c.Device.TrialMs) * time.Millisecond
}

// DequeueWait 队列为空时的等待时长。
func (c *Config) DequeueWait() time.Duration {
	return time.Duration(c.Queue.WaitMs) * time.Millisecond
}

// Retention 终态任务记录的保留时长，0 表示不自动清理。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionMinutes) * time.Minute
}

// Backoff 播放失败后的重试间隔。
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Playback.BackoffMs) * time.Millisecond
}

// HeartbeatInterval 保活间隔，禁用时返回 0。
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Heartbeat.Disabled {
		return 0
	}
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// HeartbeatDuration 每次保活播放的静音时长。
func (c *Config) HeartbeatDuration() time.Duration {
	return time.Duration(c.Heartbeat.DurationMs) * time.Millisecond
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8912"
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 5
	}
	if cfg.Server.Burst == 0 {
		cfg.Server.Burst = 10
	}
	// ReSpeaker 原生输出为 48kHz 立体声
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 2
	}
	if cfg.Audio.ChunkFrames == 0 {
		cfg.Audio.ChunkFrames = 1024
	}
	if len(cfg.Device.PreferredA) == 0 {
		cfg.Device.PreferredA = []string{"seeed", "respeaker"}
	}
	if len(cfg.Device.PreferredB) == 0 {
		cfg.Device.PreferredB = []string{"usb"}
	}
	if cfg.Device.TTLSeconds == 0 {
		cfg.Device.TTLSeconds = 60
	}
	if cfg.Device.TrialMs == 0 {
		cfg.Device.TrialMs = 100
	}
	if cfg.TTS.Engine == "" {
		cfg.TTS.Engine = "piper"
	}
	cfg.TTS.Engine = strings.ToLower(strings.TrimSpace(cfg.TTS.Engine))
	if cfg.TTS.MaxTextLength == 0 {
		cfg.TTS.MaxTextLength = 1000
	}
	if cfg.TTS.SegmentLength == 0 && cfg.TTS.Engine == "tencent" {
		// 腾讯云单次请求上限约 150 个汉字
		cfg.TTS.SegmentLength = 100
	}
	if cfg.TTS.Piper.Binary == "" {
		cfg.TTS.Piper.Binary = "piper"
	}
	if cfg.TTS.Piper.ModelPath == "" {
		cfg.TTS.Piper.ModelPath = "./piper-models/sv_SE-nst-medium.onnx"
	}
	if cfg.TTS.Piper.ConfigPath == "" {
		cfg.TTS.Piper.ConfigPath = cfg.TTS.Piper.ModelPath + ".json"
	}
	if cfg.TTS.Sherpa.NumThreads == 0 {
		cfg.TTS.Sherpa.NumThreads = 1
	}
	if cfg.TTS.Sherpa.Speed == 0 {
		cfg.TTS.Sherpa.Speed = 1.0
	}
	if cfg.TTS.Edge.Voice == "" {
		cfg.TTS.Edge.Voice = "sv-SE-SofieNeural"
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 50
	}
	if cfg.Queue.LaneCapacity == 0 {
		cfg.Queue.LaneCapacity = 100
	}
	if cfg.Queue.WaitMs == 0 {
		cfg.Queue.WaitMs = 100
	}
	if cfg.Queue.RetentionMinutes == 0 {
		cfg.Queue.RetentionMinutes = 60
	}
	if cfg.Playback.MaxAttempts == 0 {
		cfg.Playback.MaxAttempts = 3
	}
	if cfg.Playback.BackoffMs == 0 {
		cfg.Playback.BackoffMs = 1000
	}
	if cfg.Heartbeat.IntervalSeconds == 0 {
		cfg.Heartbeat.IntervalSeconds = 300 // 5 分钟
	}
	if cfg.Heartbeat.DurationMs == 0 {
		cfg.Heartbeat.DurationMs = 200
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// 去除密钥两端可能的空白（环境变量展开后常见）
	cfg.TTS.Tencent.SecretID = strings.TrimSpace(cfg.TTS.Tencent.SecretID)
	cfg.TTS.Tencent.SecretKey = strings.TrimSpace(cfg.TTS.Tencent.SecretKey)
	cfg.Server.Token = strings.TrimSpace(cfg.Server.Token)
}
