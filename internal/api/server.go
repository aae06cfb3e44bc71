// Package api 提供 HTTP 接口：提交文本或音频、查询状态、暂停/恢复/停止。
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/queue"
)

// Pipeline 是 HTTP 层依赖的流水线操作。
type Pipeline interface {
	Enqueue(text string, priority bool) (string, error)
	EnqueueAudio(buf *audio.Buffer, priority bool) (string, error)
	Status() pipeline.Status
	ItemStatus(id string) (queue.Item, error)
	Pause()
	Resume()
	Stop()
}

// Server 处理 HTTP 请求。
type Server struct {
	cfg           config.ServerConfig
	maxTextLength int
	pipeline      Pipeline
	limiter       *rate.Limiter
	handler       http.Handler
	server        *http.Server
}

// New 创建 HTTP 服务。
func New(cfg config.ServerConfig, maxTextLength int, p Pipeline) *Server {
	s := &Server{
		cfg:           cfg,
		maxTextLength: maxTextLength,
		pipeline:      p,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /tts", s.guard(s.handleTTS))
	// /text 兼容旧客户端
	mux.HandleFunc("POST /text", s.guard(s.handleTTS))
	mux.HandleFunc("POST /play", s.guard(s.handlePlay))
	mux.HandleFunc("GET /status", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /status/{id}", s.withAuth(s.handleItemStatus))
	mux.HandleFunc("POST /pause", s.withAuth(s.handlePause))
	mux.HandleFunc("POST /resume", s.withAuth(s.handleResume))
	mux.HandleFunc("POST /stop", s.withAuth(s.handleStop))

	s.handler = withLogging(mux)
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler 返回完整的路由，便于测试。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 开始监听，直到 Shutdown 被调用。
func (s *Server) Start() error {
	logger.Infof("[api] HTTP 服务监听 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP 服务出错: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("[api] 正在关闭 HTTP 服务")
	return s.server.Shutdown(ctx)
}

// guard 为提交类接口叠加鉴权和限流。
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(s.withRateLimit(next))
}
