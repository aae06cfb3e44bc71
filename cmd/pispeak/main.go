package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iabetor/pispeak/internal/api"
	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/cache"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/device"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/playback"
	"github.com/iabetor/pispeak/internal/queue"
	"github.com/iabetor/pispeak/internal/tts"
)

func main() {
	configPath := flag.String("config", "configs/pispeak.yaml", "配置文件路径，为空时使用默认配置")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Errorf("[main] %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger.Infof("[main] PiSpeak 启动中 (engine=%s, log_level=%s)", cfg.TTS.Engine, cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()

	backend, err := audio.NewMalgoBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	devices := device.NewManager(backend, device.Options{
		PreferredA:    cfg.Device.PreferredA,
		PreferredB:    cfg.Device.PreferredB,
		TTL:           cfg.DeviceTTL(),
		TrialDuration: cfg.TrialDuration(),
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	})
	// 启动时先选一次设备，失败不影响启动，播放时会重试
	if dev, err := devices.Select(ctx); err != nil {
		logger.Warnf("[main] 暂无可用输出设备: %v", err)
	} else {
		logger.Infof("[main] 输出设备: %s", dev.Name)
	}

	engine, err := tts.NewEngine(cfg.TTS)
	if err != nil {
		return fmt.Errorf("初始化 TTS 引擎失败: %w", err)
	}
	if closer, ok := engine.(interface{ Close() }); ok {
		defer closer.Close()
	}
	if checker, ok := engine.(interface{ Check() error }); ok {
		if err := checker.Check(); err != nil {
			logger.Warnf("[main] %v", err)
		}
	}
	synth := tts.NewSynthesizer(engine, tts.Options{
		MaxTextLength: cfg.TTS.MaxTextLength,
		SegmentLength: cfg.TTS.SegmentLength,
	})

	var sc *cache.SynthesisCache
	if !cfg.Cache.Disabled {
		sc, err = cache.New(cfg.Cache.Size)
		if err != nil {
			return err
		}
	}

	worker := playback.NewWorker(devices, backend, playback.Options{
		MaxAttempts: cfg.Playback.MaxAttempts,
		Backoff:     cfg.Backoff(),
		ChunkFrames: cfg.Audio.ChunkFrames,
	})

	ctrl, err := pipeline.New(pipeline.Deps{
		Queue:       queue.New(cfg.Queue.LaneCapacity, cfg.Retention()),
		Synthesizer: synth,
		Player:      worker,
		Cache:       sc,
		Devices:     devices,
	}, pipeline.Options{
		DequeueWait:       cfg.DequeueWait(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatDuration: cfg.HeartbeatDuration(),
	})
	if err != nil {
		return err
	}

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("[main] 流水线运行出错: %v", err)
		}
	}()

	srv := api.New(cfg.Server, cfg.TTS.MaxTextLength, ctrl)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf("[main] 关闭 HTTP 服务失败: %v", serr)
	}
	ctrl.Close()
	<-pipelineDone

	logger.Info("[main] PiSpeak 已停止")
	return err
}
